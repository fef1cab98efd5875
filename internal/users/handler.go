package users

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/2beens/usermgmt/internal/apperr"
	"github.com/2beens/usermgmt/internal/auth"
	"github.com/2beens/usermgmt/internal/pictures"
	"github.com/2beens/usermgmt/internal/telemetry/metrics"
	"github.com/2beens/usermgmt/internal/telemetry/tracing"
	"github.com/2beens/usermgmt/pkg"
)

const (
	// MaxPictureSize caps the uploaded profile picture; the request body may
	// be a bit larger to fit the other form fields.
	MaxPictureSize  = 5 << 20
	maxRegisterBody = MaxPictureSize + 1<<20
	maxLoginBody    = 1 << 20

	profilePictureField = "profilePicture"
)

var ErrPictureTooLarge = errors.New("profile picture too large")

const (
	msgUserExists         = "Username or email already exists"
	msgRegistrationFailed = "Registration failed"
	msgInvalidCredentials = "Invalid email or password"
	msgLoginFailed        = "Login failed"
	msgUserNotFound       = "User not found"
)

var usernameFormat = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

//go:generate mockgen -source=$GOFILE -destination=mocks_test.go -package=users_test

type usersRepo interface {
	Add(ctx context.Context, user *User) (*User, error)
	Exists(ctx context.Context, username, email string) (bool, error)
	Get(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	List(ctx context.Context) ([]User, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ToggleAdmin(ctx context.Context, id uuid.UUID) (bool, error)
}

type pictureStore interface {
	Save(ctx context.Context, username, originalName string, file io.Reader) (string, error)
	Remove(ctx context.Context, ref string) error
}

type passwordHasher interface {
	Hash(password string) (string, error)
	Verify(password, hash string) bool
}

type tokenIssuer interface {
	Issue(userID string, isAdmin bool) (string, time.Time, error)
	TTL() time.Duration
}

type LoginResponse struct {
	Token string    `json:"token"`
	User  LoginUser `json:"user"`
}

// LoginUser is the user part of a login answer.
type LoginUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	IsAdmin  bool   `json:"isAdmin"`
}

type ToggleAdminResponse struct {
	Message string `json:"message"`
	User    struct {
		ID      string `json:"id"`
		IsAdmin bool   `json:"isAdmin"`
	} `json:"user"`
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r registerRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Username, validation.Required, validation.Length(2, 50), validation.Match(usernameFormat)),
		validation.Field(&r.Email, validation.Required, validation.Length(3, 254), is.Email),
		// bcrypt ignores everything past 72 bytes
		validation.Field(&r.Password, validation.Required, validation.Length(1, 72)),
	)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type Handler struct {
	repo         usersRepo
	pictures     pictureStore
	hasher       passwordHasher
	tokens       tokenIssuer
	metrics      *metrics.Manager
	cookieSecure bool

	dummyHashOnce sync.Once
	dummyHash     string
}

func NewHandler(
	repo usersRepo,
	pictures pictureStore,
	hasher passwordHasher,
	tokens tokenIssuer,
	metrics *metrics.Manager,
	cookieSecure bool,
) *Handler {
	return &Handler{
		repo:         repo,
		pictures:     pictures,
		hasher:       hasher,
		tokens:       tokens,
		metrics:      metrics,
		cookieSecure: cookieSecure,
	}
}

func (handler *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.users.register")
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, maxRegisterBody)
	req, err := parseRegisterRequest(r)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			apperr.Write(w, r, apperr.Validation("Request too large", err))
			return
		}
		apperr.Write(w, r, apperr.Validation("Invalid registration data", err))
		return
	}
	if r.MultipartForm != nil {
		defer func() {
			if err := r.MultipartForm.RemoveAll(); err != nil {
				log.Warnf("register: remove multipart temp files: %s", err)
			}
		}()
	}

	span.SetAttributes(attribute.String("user.username", req.Username))

	// a duplicate is reported before anything else about the input
	exists, err := handler.repo.Exists(ctx, req.Username, req.Email)
	if err != nil {
		apperr.Write(w, r, apperr.Internal(msgRegistrationFailed, err))
		return
	}
	if exists {
		apperr.Write(w, r, apperr.Validation(msgUserExists, ErrUserExists))
		return
	}

	if err := req.Validate(); err != nil {
		apperr.Write(w, r, apperr.Validation(err.Error(), err))
		return
	}

	pictureRef, err := handler.savePicture(ctx, r, req.Username)
	if err != nil {
		if errors.Is(err, pictures.ErrUnsupportedType) {
			apperr.Write(w, r, apperr.Validation("Unsupported profile picture type", err))
			return
		}
		if errors.Is(err, ErrPictureTooLarge) {
			apperr.Write(w, r, apperr.Validation("Profile picture too large", err))
			return
		}
		apperr.Write(w, r, apperr.Internal(msgRegistrationFailed, err))
		return
	}

	passwordHash, err := handler.hasher.Hash(req.Password)
	if err != nil {
		handler.removePicture(ctx, pictureRef)
		apperr.Write(w, r, apperr.Internal(msgRegistrationFailed, err))
		return
	}

	user, err := handler.repo.Add(ctx, &User{
		Username:       req.Username,
		Email:          req.Email,
		PasswordHash:   passwordHash,
		ProfilePicture: pictureRef,
		IsAdmin:        false,
	})
	if err != nil {
		handler.removePicture(ctx, pictureRef)
		if errors.Is(err, ErrUserExists) {
			apperr.Write(w, r, apperr.Validation(msgUserExists, err))
			return
		}
		apperr.Write(w, r, apperr.Internal(msgRegistrationFailed, err))
		return
	}

	handler.metrics.CounterRegistrations.Inc()
	log.Debugf("new user registered: [%s] [%s]", user.Username, user.ID)

	pkg.WriteMessage(w, http.StatusCreated, "User registered successfully")
}

// savePicture stores the optional uploaded picture and returns its reference,
// or "" when none was sent.
func (handler *Handler) savePicture(ctx context.Context, r *http.Request, username string) (string, error) {
	if r.MultipartForm == nil {
		return "", nil
	}

	file, header, err := r.FormFile(profilePictureField)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return "", nil
		}
		return "", err
	}
	defer file.Close()

	if header.Size == 0 {
		return "", nil
	}
	if header.Size > MaxPictureSize {
		return "", ErrPictureTooLarge
	}

	return handler.pictures.Save(ctx, username, header.Filename, file)
}

func (handler *Handler) removePicture(ctx context.Context, ref string) {
	if ref == "" || ref == DefaultProfilePicture {
		return
	}
	if err := handler.pictures.Remove(ctx, ref); err != nil {
		log.Warnf("remove profile picture [%s]: %s", ref, err)
	}
}

func (handler *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.users.login")
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, maxLoginBody)
	req, err := parseLoginRequest(r)
	if err != nil {
		apperr.Write(w, r, apperr.Validation("Invalid login request", err))
		return
	}

	if req.Email == "" || req.Password == "" {
		handler.metrics.CounterLogins.WithLabelValues("failed").Inc()
		apperr.Write(w, r, apperr.Authentication(msgInvalidCredentials, errors.New("email or password empty")))
		return
	}

	user, err := handler.repo.GetByEmail(ctx, req.Email)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			handler.metrics.CounterLogins.WithLabelValues("error").Inc()
			apperr.Write(w, r, apperr.Internal(msgLoginFailed, err))
			return
		}
		// keep the response time close to the one of a wrong password
		handler.hasher.Verify(req.Password, handler.getDummyHash())
		handler.metrics.CounterLogins.WithLabelValues("failed").Inc()
		apperr.Write(w, r, apperr.Authentication(msgInvalidCredentials, err))
		return
	}

	if !handler.hasher.Verify(req.Password, user.PasswordHash) {
		handler.metrics.CounterLogins.WithLabelValues("failed").Inc()
		apperr.Write(w, r, apperr.Authentication(msgInvalidCredentials, errors.New("wrong password")))
		return
	}

	token, _, err := handler.tokens.Issue(user.ID.String(), user.IsAdmin)
	if err != nil {
		handler.metrics.CounterLogins.WithLabelValues("error").Inc()
		apperr.Write(w, r, apperr.Internal(msgLoginFailed, err))
		return
	}

	handler.metrics.CounterLogins.WithLabelValues("ok").Inc()
	log.Debugf("user logged in: [%s] [%s]", user.Username, user.ID)

	http.SetCookie(w, auth.NewSessionCookie(token, handler.tokens.TTL(), handler.cookieSecure))
	pkg.WriteJSONOK(w, LoginResponse{
		Token: token,
		User: LoginUser{
			ID:       user.ID.String(),
			Username: user.Username,
			Email:    user.Email,
			IsAdmin:  user.IsAdmin,
		},
	})
}

func (handler *Handler) getDummyHash() string {
	handler.dummyHashOnce.Do(func() {
		secret, err := pkg.GenerateRandomString(32)
		if err != nil {
			log.Errorf("generate dummy password: %s", err)
			secret = "dummy-password"
		}
		hash, err := handler.hasher.Hash(secret)
		if err != nil {
			log.Errorf("hash dummy password: %s", err)
			return
		}
		handler.dummyHash = hash
	})
	return handler.dummyHash
}

func parseLoginRequest(r *http.Request) (loginRequest, error) {
	var req loginRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == pkg.ContentType.JSON {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, err
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return req, err
		}
		req.Email = r.Form.Get("email")
		req.Password = r.Form.Get("password")
	}
	req.Email = strings.TrimSpace(req.Email)
	return req, nil
}

// parseRegisterRequest accepts a JSON body, a urlencoded form, or a multipart
// form carrying the optional picture.
func parseRegisterRequest(r *http.Request) (registerRequest, error) {
	var req registerRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case pkg.ContentType.JSON:
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, err
		}
	case "multipart/form-data":
		if err := r.ParseMultipartForm(MaxPictureSize); err != nil {
			return req, err
		}
		req = registerRequestFromForm(r)
	default:
		if err := r.ParseForm(); err != nil {
			return req, err
		}
		req = registerRequestFromForm(r)
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	return req, nil
}

func registerRequestFromForm(r *http.Request) registerRequest {
	return registerRequest{
		Username: r.Form.Get("username"),
		Email:    r.Form.Get("email"),
		Password: r.Form.Get("password"),
	}
}

// HandleProfile answers with the caller's own record. The admin flag is the
// one carried by the session token, which may lag behind the stored one.
func (handler *Handler) HandleProfile(w http.ResponseWriter, r *http.Request) {
	_, span := tracing.GlobalTracer.Start(r.Context(), "handler.users.profile")
	defer span.End()

	user, ok := FromContext(r.Context())
	if !ok {
		apperr.Write(w, r, apperr.Authentication("Authentication required", errors.New("no user in request context")))
		return
	}

	projection := user.Projection()
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		projection.IsAdmin = claims.IsAdmin
	}

	pkg.WriteJSONOK(w, projection)
}

func (handler *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.users.list")
	defer span.End()

	users, err := handler.repo.List(ctx)
	if err != nil {
		apperr.Write(w, r, apperr.Internal("Failed to fetch users", err))
		return
	}

	projections := make([]Projection, 0, len(users))
	for i := range users {
		projections = append(projections, users[i].Projection())
	}
	span.SetAttributes(attribute.Int("users.count", len(projections)))

	pkg.WriteJSONOK(w, projections)
}

func (handler *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.users.delete")
	defer span.End()

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		apperr.Write(w, r, apperr.NotFound(msgUserNotFound, err))
		return
	}
	span.SetAttributes(attribute.String("user.id", id.String()))

	user, err := handler.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			apperr.Write(w, r, apperr.NotFound(msgUserNotFound, err))
			return
		}
		apperr.Write(w, r, apperr.Internal("Failed to delete user", err))
		return
	}

	if err := handler.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			apperr.Write(w, r, apperr.NotFound(msgUserNotFound, err))
			return
		}
		apperr.Write(w, r, apperr.Internal("Failed to delete user", err))
		return
	}

	handler.removePicture(ctx, user.ProfilePicture)
	log.Debugf("user deleted: [%s] [%s]", user.Username, id)

	pkg.WriteMessage(w, http.StatusOK, "User deleted successfully")
}

func (handler *Handler) HandleToggleAdmin(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.users.toggle_admin")
	defer span.End()

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		apperr.Write(w, r, apperr.NotFound(msgUserNotFound, err))
		return
	}
	span.SetAttributes(attribute.String("user.id", id.String()))

	isAdmin, err := handler.repo.ToggleAdmin(ctx, id)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			apperr.Write(w, r, apperr.NotFound(msgUserNotFound, err))
			return
		}
		apperr.Write(w, r, apperr.Internal("Failed to update user", err))
		return
	}

	log.Debugf("user [%s] admin status toggled to %t", id, isAdmin)

	resp := ToggleAdminResponse{Message: "Admin status toggled"}
	resp.User.ID = id.String()
	resp.User.IsAdmin = isAdmin
	pkg.WriteJSONOK(w, resp)
}

func (handler *Handler) HandleLogout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, auth.ExpiredSessionCookie(handler.cookieSecure))
	pkg.WriteMessage(w, http.StatusOK, "Logged out successfully")
}
