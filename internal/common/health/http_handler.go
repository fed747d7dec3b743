package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// SetupGinRoute serves checker on /health. It answers 204 when healthy and 503 with one failure
// per line otherwise. HEAD requests get the status only.
func SetupGinRoute(router gin.IRoutes, checker Checker) {
	handler := checkHandler(checker)
	router.GET("/health", handler)
	router.HEAD("/health", handler)
}

func checkHandler(checker Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := checker.Check()
		if err == nil {
			c.Status(http.StatusNoContent)
			return
		}
		log.WithField("path", c.Request.URL.Path).Warnf("health check failed: %v", err)
		if c.Request.Method == http.MethodHead {
			c.Status(http.StatusServiceUnavailable)
			return
		}
		c.String(http.StatusServiceUnavailable, err.Error())
	}
}
