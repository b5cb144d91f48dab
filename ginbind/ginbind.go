// Package ginbind mounts zrpcweb services in a gin engine.
package ginbind

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler is implemented by *zrpcweb.Router and *zrpcweb.Server.
type Handler interface {
	Handle(w http.ResponseWriter, r *http.Request) bool
}

// Middleware offers every request to hs in order. A request one of them
// serves is aborted; the others continue down the gin chain.
func Middleware(hs ...Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, h := range hs {
			if h.Handle(c.Writer, c.Request) {
				c.Abort()
				return
			}
		}
		c.Next()
	}
}

// Mount serves every path of the engine's NoRoute fallback through hs,
// leaving gin routes untouched.
func Mount(engine *gin.Engine, hs ...Handler) {
	engine.NoRoute(func(c *gin.Context) {
		for _, h := range hs {
			if h.Handle(c.Writer, c.Request) {
				return
			}
		}
		c.Status(http.StatusNotFound)
	})
}
