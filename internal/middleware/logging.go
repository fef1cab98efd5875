package middleware

import (
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/2beens/usermgmt/pkg"
)

func LogRequest() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, err := pkg.ReadUserIP(r)
			if err != nil {
				ip = "?"
			}
			log.Tracef(" ====> request [%s] path: [%s] [ip: %s] [UA: %s]", r.Method, r.URL.Path, ip, r.UserAgent())
			next.ServeHTTP(w, r)
		})
	}
}
