package api

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
)

const (
	// SessionCookieName はセッションCookieの名前です。
	SessionCookieName = "epubforge_session"
	sessionKeyJobs    = "recent_jobs"

	maxRecentJobs   = 20
	sessionLifetime = 12 * time.Hour
)

// NewSessionStore は Cookie ベースのセッションストアを作成します。
// secret が空の場合はプロセスごとの鍵を生成するため、再起動でセッションは失効します。
func NewSessionStore(secret string, secure bool) (sessions.Store, error) {
	key := []byte(secret)
	if len(key) == 0 {
		generated, err := generateKey()
		if err != nil {
			return nil, err
		}
		key = generated
	}
	store := cookie.NewStore(key)
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   int(sessionLifetime.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	return store, nil
}

// rememberJob はこのブラウザから投入したジョブIDを新しい順に記録します。
func rememberJob(c *gin.Context, jobID string) error {
	session := sessions.Default(c)
	ids := append([]string{jobID}, readJobIDs(session.Get(sessionKeyJobs))...)
	if len(ids) > maxRecentJobs {
		ids = ids[:maxRecentJobs]
	}
	session.Set(sessionKeyJobs, strings.Join(ids, ","))
	return session.Save()
}

func recentJobs(c *gin.Context) []string {
	return readJobIDs(sessions.Default(c).Get(sessionKeyJobs))
}

func readJobIDs(v interface{}) []string {
	raw, ok := v.(string)
	if !ok || raw == "" {
		return nil
	}
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func generateKey() ([]byte, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return []byte(hex.EncodeToString(buf)), nil
}
