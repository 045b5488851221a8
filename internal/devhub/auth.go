package devhub

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/supportline/internal/api"
	"github.com/zulandar/supportline/internal/config"
	"github.com/zulandar/supportline/internal/db"
)

const (
	roleAgent = "agent"
	userKey   = "devhub.user"
)

type user struct {
	ID      string
	Name    string
	IsAgent bool
}

func (u user) viewer() db.Viewer { return db.Viewer{UserID: u.ID, IsAgent: u.IsAgent} }

func userIndex(cfgs []config.UserConfig) map[string]user {
	idx := make(map[string]user, len(cfgs))
	for _, uc := range cfgs {
		name := uc.Name
		if name == "" {
			name = uc.ID
		}
		idx[uc.Token] = user{ID: uc.ID, Name: name, IsAgent: uc.Role == roleAgent}
	}
	return idx
}

// bearerToken reads the token from the Authorization header, falling back to
// the access_token query parameter used by websocket clients.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return r.URL.Query().Get("access_token")
}

func authenticate(users map[string]user) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := users[bearerToken(c.Request)]
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, api.Envelope[any]{Message: "invalid or missing token"})
			return
		}
		c.Set(userKey, u)
		c.Next()
	}
}

func currentUser(c *gin.Context) user {
	return c.MustGet(userKey).(user)
}
