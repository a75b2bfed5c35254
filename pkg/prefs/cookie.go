package prefs

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// CookieOptions controls the attributes of written cookies.
type CookieOptions struct {
	Path   string
	Domain string
	// MaxAge in seconds; zero writes session cookies.
	MaxAge   int
	Secure   bool
	SameSite http.SameSite
}

// CookieStore reads preferences from request cookies and writes them back as
// Set-Cookie headers. Values written during the request are visible to later
// reads on the same store.
type CookieStore struct {
	req  *http.Request
	w    http.ResponseWriter
	opts CookieOptions

	mu      sync.Mutex
	pending map[string]*string
}

// NewCookieStore creates a store scoped to one request/response pair.
func NewCookieStore(w http.ResponseWriter, r *http.Request, opts CookieOptions) *CookieStore {
	if opts.Path == "" {
		opts.Path = "/"
	}
	if opts.SameSite == 0 {
		opts.SameSite = http.SameSiteLaxMode
	}
	return &CookieStore{
		req:     r,
		w:       w,
		opts:    opts,
		pending: make(map[string]*string),
	}
}

func (s *CookieStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	if value, ok := s.pending[key]; ok {
		s.mu.Unlock()
		if value == nil {
			return "", false, nil
		}
		return *value, true, nil
	}
	s.mu.Unlock()

	if s.req == nil {
		return "", false, nil
	}
	cookie, err := s.req.Cookie(key)
	if err != nil {
		return "", false, nil
	}
	value, err := url.QueryUnescape(cookie.Value)
	if err != nil {
		// Not written by us; hand back the raw value.
		return cookie.Value, true, nil
	}
	return value, true, nil
}

func (s *CookieStore) Set(ctx context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	v := value
	s.pending[key] = &v
	s.mu.Unlock()

	if s.w != nil {
		http.SetCookie(s.w, &http.Cookie{
			Name:     key,
			Value:    url.QueryEscape(value),
			Path:     s.opts.Path,
			Domain:   s.opts.Domain,
			MaxAge:   s.opts.MaxAge,
			Secure:   s.opts.Secure,
			HttpOnly: false,
			SameSite: s.opts.SameSite,
		})
	}
	return nil
}

func (s *CookieStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	s.pending[key] = nil
	s.mu.Unlock()

	if s.w != nil {
		http.SetCookie(s.w, &http.Cookie{
			Name:    key,
			Value:   "",
			Path:    s.opts.Path,
			Domain:  s.opts.Domain,
			MaxAge:  -1,
			Expires: time.Unix(0, 0),
		})
	}
	return nil
}
