package auth

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"lostfound/pkg/models"
)

// Session is the authentication context the discussion consults before any
// mutation.
type Session interface {
	// CurrentUser returns the signed-in user, false when nobody is signed in.
	CurrentUser() (models.User, bool)
	// RequestLogin asks the surrounding application to start a sign-in flow.
	RequestLogin()
}

// Local is an in-process Session.
type Local struct {
	mu            sync.Mutex
	user          models.User
	authenticated bool
	loginRequests int
	onLogin       func()
}

// NewLocal returns a session signed in as user, or signed out when user.ID is empty.
func NewLocal(user models.User) *Local {
	return &Local{user: user, authenticated: user.ID != ""}
}

// OnLoginRequest registers fn to run whenever a login is requested.
func (l *Local) OnLoginRequest(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.onLogin = fn
}

func (l *Local) CurrentUser() (models.User, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.user, l.authenticated
}

func (l *Local) RequestLogin() {
	l.mu.Lock()
	l.loginRequests++
	fn := l.onLogin
	l.mu.Unlock()

	log.Debug("[auth] login requested")
	if fn != nil {
		fn()
	}
}

func (l *Local) Login(user models.User) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.user = user
	l.authenticated = user.ID != ""
}

func (l *Local) Logout() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.user = models.User{}
	l.authenticated = false
}

// LoginRequests returns how many times a login was requested.
func (l *Local) LoginRequests() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.loginRequests
}
