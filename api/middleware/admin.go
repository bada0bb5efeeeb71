package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/oslab-infra/multiverse-gateway/gatewayerr"
)

// AdminAPIKeyHeader is the header admin callers must present.
const AdminAPIKeyHeader = "X-API-Key"

// AdminAuth rejects requests whose X-API-Key header doesn't match the
// configured admin key using a constant-time comparison, so response timing
// can't be used to brute-force the key one byte at a time.
func AdminAuth(adminAPIKey string) gin.HandlerFunc {
	want := []byte(adminAPIKey)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(AdminAPIKeyHeader))
		if len(got) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			err := gatewayerr.New(gatewayerr.Unauthorized, "missing or invalid admin API key")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gatewayerr.ToBody(err))
			return
		}
		c.Next()
	}
}
