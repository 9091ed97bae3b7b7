// Package media keeps synthesized clips in memory and serves them to the
// webview under /audio/<id>.
package media

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"rehabchat/internal/domain"
)

// PathPrefix is the URL prefix clips are served under.
const PathPrefix = "/audio/"

type clip struct {
	mimeType string
	data     []byte
	created  time.Time
}

// Library is a bounded clip store. When full, the oldest clip that is not
// in use is evicted. Clips in use are never evicted, so the library may hold
// more than its limit while they are referenced. The newest clip is kept
// until its handle has been attached.
type Library struct {
	limit int

	mu    sync.Mutex
	clips map[string]clip
	order []string
	inUse func(url string) bool
}

func NewLibrary(limit int) *Library {
	if limit <= 0 {
		limit = 64
	}
	return &Library{limit: limit, clips: make(map[string]clip)}
}

// ProtectWith installs a predicate naming clips that must survive eviction:
// the one currently playing and any still attached to a message. It is
// called with the library locked.
func (l *Library) ProtectWith(inUse func(url string) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inUse = inUse
}

// Put stores audio and returns a handle addressing it.
func (l *Library) Put(mimeType string, audio []byte) (domain.AudioHandle, error) {
	if len(audio) == 0 {
		return domain.AudioHandle{}, errors.New("media: empty clip")
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	id := uuid.NewString()
	handle := domain.AudioHandle{ID: id, URL: PathPrefix + id, MIMEType: mimeType}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.clips[id] = clip{mimeType: mimeType, data: append([]byte(nil), audio...), created: time.Now()}
	l.order = append(l.order, id)
	l.evictLocked()
	return handle, nil
}

// Len returns the number of stored clips.
func (l *Library) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clips)
}

// Has reports whether the clip behind url is still stored.
func (l *Library) Has(url string) bool {
	id, ok := idFromPath(url)
	if !ok {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok = l.clips[id]
	return ok
}

func (l *Library) evictLocked() {
	for i := 0; len(l.clips) > l.limit && i < len(l.order)-1; {
		id := l.order[i]
		if l.inUse != nil && l.inUse(PathPrefix+id) {
			i++
			continue
		}
		delete(l.clips, id)
		l.order = append(l.order[:i], l.order[i+1:]...)
	}
}

// ServeHTTP serves GET /audio/<id>. Unknown paths get 404 so the Wails
// asset server can fall through.
func (l *Library) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := idFromPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	l.mu.Lock()
	c, found := l.clips[id]
	l.mu.Unlock()
	if !found {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", c.mimeType)
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, id, c.created, bytes.NewReader(c.data))
}

func idFromPath(path string) (string, bool) {
	if !strings.HasPrefix(path, PathPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(path, PathPrefix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
