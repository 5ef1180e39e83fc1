package chat

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dreamware/ringchat/internal/fabric"
	"github.com/dreamware/ringchat/internal/ring"
	"github.com/dreamware/ringchat/internal/shard"
	"github.com/dreamware/ringchat/internal/storage"
	"github.com/dreamware/ringchat/internal/wire"
)

var (
	// ErrEmailInUse is returned when signing up with a registered email.
	ErrEmailInUse = errors.New("email already used")
	// ErrEmailNotFound is returned when signing in with an unknown email.
	ErrEmailNotFound = errors.New("email not found")
	// ErrWrongPassword is returned when the password does not match.
	ErrWrongPassword = errors.New("wrong password")
)

// Error codes carried by CLIENT_ERROR.
const (
	CodeEmailInUse    = "EMAIL_ALREADY_USED"
	CodeEmailNotFound = "EMAIL_NOT_FOUND"
	CodeWrongPassword = "WRONG_PASSWORD"
	CodeBadRequest    = "BAD_REQUEST"
)

// Router decides which node serves a user. *ring.Server satisfies it.
type Router interface {
	Self() ring.Node
	Lookup(key ring.ID) ring.Node
	IsResponsibleFor(key ring.ID) bool
}

// Account is the stored record of one user.
type Account struct {
	Email    string    `json:"email"`
	Name     string    `json:"name"`
	Password string    `json:"password"`
	Created  time.Time `json:"created"`
}

// SignUpRequest is the SIGNUP payload.
type SignUpRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

// SignInRequest is the SIGNIN payload.
type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ErrorReply is the CLIENT_ERROR payload.
type ErrorReply struct {
	Code string `json:"code"`
}

// RedirectReply is the REDIRECT payload.
type RedirectReply struct {
	Node ring.Node `json:"node"`
}

// Service stores accounts in the node's shard and tracks who is signed in.
type Service struct {
	router Router
	users  *shard.Shard
	log    *log.Entry
	now    func() time.Time

	mu     sync.Mutex
	online map[string]int // signed-in sessions per email
}

// NewService creates the account service for one node.
//
// Parameters:
//   - router: the ring server, deciding responsibility and redirects
//   - users: the node's account partition
//
// Example:
//
//	accounts := chat.NewService(srv, shard.NewShard(self.ID, users, srv))
//	d := fabric.New(srv, dialer, fabric.WithApplication(accounts))
func NewService(router Router, users *shard.Shard) *Service {
	return &Service{
		router: router,
		users:  users,
		log:    log.WithFields(log.Fields{"component": "chat", "node": router.Self().ID}),
		now:    time.Now,
		online: make(map[string]int),
	}
}

// SetLogger replaces the entry the service logs through.
func (s *Service) SetLogger(entry *log.Entry) { s.log = entry }

// SignUp registers a new account on this node.
func (s *Service) SignUp(req SignUpRequest) error {
	acct := Account{Email: req.Email, Name: req.Name, Password: req.Password, Created: s.now().UTC()}
	raw, err := json.Marshal(acct)
	if err != nil {
		return err
	}
	err = s.users.PutIfAbsent(req.Email, raw)
	if errors.Is(err, storage.ErrKeyExists) {
		return ErrEmailInUse
	}
	if err != nil {
		return fmt.Errorf("store account: %w", err)
	}
	s.log.Infof("signed up %s", req.Email)
	return nil
}

// SignIn checks a user's credentials.
func (s *Service) SignIn(req SignInRequest) (Account, error) {
	raw, err := s.users.Get(req.Email)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return Account{}, ErrEmailNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("load account: %w", err)
	}
	var acct Account
	if err := json.Unmarshal(raw, &acct); err != nil {
		return Account{}, fmt.Errorf("decode account %s: %w", req.Email, err)
	}
	if subtle.ConstantTimeCompare([]byte(acct.Password), []byte(req.Password)) != 1 {
		return Account{}, ErrWrongPassword
	}
	return acct, nil
}

// Online returns how many distinct users are signed in on this node.
func (s *Service) Online() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.online)
}

func (s *Service) signedIn(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[email]++
}

func (s *Service) signedOut(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online[email] <= 1 {
		delete(s.online, email)
		return
	}
	s.online[email]--
}

// redirect returns the node responsible for email when it is not this one.
func (s *Service) redirect(email string) (ring.Node, bool) {
	id := s.users.KeyID(email)
	if s.router.IsResponsibleFor(id) {
		return ring.Node{}, false
	}
	return s.router.Lookup(id), true
}

// NewSession implements fabric.Application.
func (s *Service) NewSession(remote string) fabric.Session {
	return &session{svc: s, remote: remote}
}

// session is one client connection.
type session struct {
	svc    *Service
	remote string
	user   string
}

func (c *session) Handle(_ context.Context, msg wire.AppMessage) (wire.AppMessage, error) {
	switch msg.Type {
	case wire.TypeSignUp:
		var req SignUpRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil || !validEmail(req.Email) || req.Password == "" {
			return clientError(CodeBadRequest), nil
		}
		if node, ok := c.svc.redirect(req.Email); ok {
			return redirect(node), nil
		}
		return c.outcome(c.svc.SignUp(req))

	case wire.TypeSignIn:
		var req SignInRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil || !validEmail(req.Email) {
			return clientError(CodeBadRequest), nil
		}
		if node, ok := c.svc.redirect(req.Email); ok {
			return redirect(node), nil
		}
		if _, err := c.svc.SignIn(req); err != nil {
			return c.outcome(err)
		}
		c.signOut()
		c.user = req.Email
		c.svc.signedIn(req.Email)
		return success(), nil

	case wire.TypeSignOut:
		c.signOut()
		return success(), nil
	}
	return clientError(CodeBadRequest), nil
}

func (c *session) Close() {
	c.signOut()
}

func (c *session) signOut() {
	if c.user == "" {
		return
	}
	c.svc.signedOut(c.user)
	c.user = ""
}

// outcome maps a service error onto the reply, failing the connection only
// on storage errors.
func (c *session) outcome(err error) (wire.AppMessage, error) {
	switch {
	case err == nil:
		return success(), nil
	case errors.Is(err, ErrEmailInUse):
		return clientError(CodeEmailInUse), nil
	case errors.Is(err, ErrEmailNotFound):
		return clientError(CodeEmailNotFound), nil
	case errors.Is(err, ErrWrongPassword):
		return clientError(CodeWrongPassword), nil
	}
	c.svc.log.Errorf("request from %s: %v", c.remote, err)
	return wire.AppMessage{}, err
}

func validEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}

func success() wire.AppMessage {
	return wire.AppMessage{Type: wire.TypeClientSuccess}
}

func clientError(code string) wire.AppMessage {
	raw, _ := json.Marshal(ErrorReply{Code: code})
	return wire.AppMessage{Type: wire.TypeClientError, Body: code, Payload: raw}
}

func redirect(node ring.Node) wire.AppMessage {
	raw, _ := json.Marshal(RedirectReply{Node: node})
	return wire.AppMessage{Type: wire.TypeRedirect, Payload: raw}
}
