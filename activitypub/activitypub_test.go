package activitypub

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	icrypto "github.com/davecheney/fedi/internal/crypto"
	"github.com/davecheney/fedi/internal/httpsig"
	"github.com/davecheney/fedi/internal/httpx"
	"github.com/davecheney/fedi/internal/vocab"
	"github.com/davecheney/fedi/models"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const localDomain = "local.example"

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	require := require.New(t)
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(err)

	sqlDB, err := db.DB()
	require.NoError(err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(db.AutoMigrate(models.AllTables()...))
	require.NoError(db.Exec("PRAGMA foreign_keys = ON").Error)
	return db
}

func testConfig() Config {
	cfg := DefaultConfig(localDomain)
	cfg.PollInterval = 10 * time.Millisecond
	cfg.DeliveryTimeout = 5 * time.Second
	cfg.FetchTimeout = 5 * time.Second
	return cfg
}

// newTestService returns a Service backed by a private in memory database.
func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	env := &models.Env{
		DB:     setupTestDB(t),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	svc, err := NewService(env, cfg, prometheus.NewRegistry())
	require.NoError(t, err)
	return svc
}

// createLocal creates a local account.
func createLocal(t *testing.T, svc *Service, name string) *models.Account {
	t.Helper()
	account, err := models.NewAccounts(svc.DB).Create(svc.cfg.Domain, name, models.LocalPerson)
	require.NoError(t, err)
	return account
}

// router returns the public routes of svc.
func router(svc *Service) http.Handler {
	env := func(*http.Request) *Service { return svc }
	r := chi.NewRouter()
	r.Post("/inbox", httpx.HandlerFunc(env, InboxCreate))
	r.Get("/.well-known/webfinger", httpx.HandlerFunc(env, WebfingerShow))
	r.Get("/users/{username}", httpx.HandlerFunc(env, UsersShow))
	r.Post("/users/{username}/inbox", httpx.HandlerFunc(env, InboxCreate))
	r.Get("/deliveries", httpx.HandlerFunc(env, DeliveriesIndex))
	r.Post("/deliveries/{id}/retry", httpx.HandlerFunc(env, DeliveriesRetry))
	return r
}

// remoteActor is an actor hosted by a remoteServer.
type remoteActor struct {
	name  string
	uri   string
	inbox string
	key   *rsa.PrivateKey
	pem   string
	// locked actors manually approve followers.
	locked bool
}

func (a *remoteActor) keyID() string { return a.uri + "#main-key" }

// rotate replaces the actor's key.
func (a *remoteActor) rotate(t *testing.T) {
	t.Helper()
	a.key, a.pem = generateKey(t)
}

// delivery is a request received by a remoteServer inbox.
type delivery struct {
	inbox string
	req   *http.Request
	body  []byte
}

// remoteServer is a fake ActivityPub server hosting actor documents and
// inboxes.
type remoteServer struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	actors     map[string]*remoteActor
	fetches    map[string]int
	deliveries []delivery
	// inboxStatus is the response code of inbox posts, 202 if zero.
	inboxStatus int
	// onInbox, if set, is called for each inbox post before responding.
	onInbox func(r *http.Request)
	// shared inbox advertised by actors, if any.
	shared bool
}

func newRemoteServer(t *testing.T) *remoteServer {
	rs := &remoteServer{
		t:       t,
		actors:  make(map[string]*remoteActor),
		fetches: make(map[string]int),
	}
	r := chi.NewRouter()
	r.Get("/users/{name}", rs.serveActor)
	r.Post("/users/{name}/inbox", rs.serveInbox)
	r.Post("/inbox", rs.serveInbox)
	rs.srv = httptest.NewServer(r)
	t.Cleanup(rs.srv.Close)
	return rs
}

// addActor creates an actor named name.
func (rs *remoteServer) addActor(name string) *remoteActor {
	rs.t.Helper()
	uri := rs.srv.URL + "/users/" + name
	a := &remoteActor{
		name:  name,
		uri:   uri,
		inbox: uri + "/inbox",
	}
	a.key, a.pem = generateKey(rs.t)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.actors[name] = a
	return a
}

func (rs *remoteServer) sharedInbox() string { return rs.srv.URL + "/inbox" }

func (rs *remoteServer) fetchCount(name string) int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.fetches[name]
}

func (rs *remoteServer) received() []delivery {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]delivery(nil), rs.deliveries...)
}

func (rs *remoteServer) document(a *remoteActor) *vocab.Actor {
	doc := &vocab.Actor{
		ID:                        a.uri,
		Type:                      vocab.Person,
		PreferredUsername:         a.name,
		Inbox:                     a.inbox,
		Followers:                 a.uri + "/followers",
		ManuallyApprovesFollowers: a.locked,
		PublicKey: vocab.PublicKey{
			ID:           a.keyID(),
			Owner:        a.uri,
			PublicKeyPem: a.pem,
		},
	}
	if rs.shared {
		doc.SharedInbox = rs.sharedInbox()
	}
	return doc
}

func (rs *remoteServer) serveActor(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rs.mu.Lock()
	a, ok := rs.actors[name]
	rs.fetches[name]++
	var doc *vocab.Actor
	if ok {
		doc = rs.document(a)
	}
	rs.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	b, err := vocab.Encode(doc)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/activity+json")
	w.Write(b)
}

func (rs *remoteServer) serveInbox(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	rs.mu.Lock()
	rs.deliveries = append(rs.deliveries, delivery{inbox: rs.srv.URL + r.URL.Path, req: r.Clone(r.Context()), body: body})
	status, onInbox := rs.inboxStatus, rs.onInbox
	rs.mu.Unlock()
	if onInbox != nil {
		onInbox(r)
	}
	if status == 0 {
		status = http.StatusAccepted
	}
	w.WriteHeader(status)
}

func generateKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	kp, err := icrypto.GenerateRSAKeypair()
	require.NoError(t, err)
	_, key, err := icrypto.ParseRSAPrivateKey(kp.PrivateKey)
	require.NoError(t, err)
	return key, string(kp.PublicKey)
}

// signedPost returns a POST of body to url signed by a.
func signedPost(t *testing.T, a *remoteActor, url string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/activity+json")
	require.NoError(t, httpsig.Sign(req, a.keyID(), a.key, body))
	return req
}

// post sends a signed activity from a to the inbox at path and returns the
// response code.
func post(t *testing.T, h http.Handler, a *remoteActor, path string, activity *vocab.Activity) int {
	t.Helper()
	body, err := vocab.Encode(activity)
	require.NoError(t, err)
	return postBody(t, h, signedPost(t, a, "https://"+localDomain+path, body))
}

// signedPostWithBody replaces the body of a signed request.
func signedPostWithBody(req *http.Request, body []byte) *http.Request {
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	return req
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func postBody(t *testing.T, h http.Handler, req *http.Request) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

// verifyDelivery verifies the signature of d with the public key of account.
func verifyDelivery(t *testing.T, d delivery, account *models.Account) {
	t.Helper()
	keyID, err := httpsig.Verify(d.req, d.body, func(string) (crypto.PublicKey, error) {
		return icrypto.ParseRSAPublicKey(account.Actor.PublicKey)
	}, httpsig.Options{})
	require.NoError(t, err)
	require.Equal(t, account.Actor.PublicKeyID, keyID)
}

var activitySeq atomic.Int64

// activityID returns a unique activity id on a's server.
func activityID(a *remoteActor) string {
	return fmt.Sprintf("%s/activities/%d", a.uri, activitySeq.Add(1))
}
