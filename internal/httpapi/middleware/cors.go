package middleware

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORS permits GET/POST preflight from any origin (spec.md section 6:
// "OPTIONS * -> CORS preflight permitting GET,POST"). There is no
// browser session tied to this API, so credentials are never sent and
// a wildcard origin is safe.
func CORS() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
	})
}
