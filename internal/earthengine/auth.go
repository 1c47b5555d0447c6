package earthengine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Scopes requested for platform access.
var Scopes = []string{
	"https://www.googleapis.com/auth/earthengine",
	"https://www.googleapis.com/auth/cloud-platform",
}

// InitStatus is the outcome of Initialize.
type InitStatus int

const (
	// Initialized means the client is ready to use.
	Initialized InitStatus = iota
	// NeedsAuth means no usable credentials were found or they were rejected.
	NeedsAuth
	// Failed means initialization failed for another reason.
	Failed
)

func (s InitStatus) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case NeedsAuth:
		return "needs_auth"
	default:
		return "failed"
	}
}

// InitResult is returned by Initialize. Client is set only when Initialized.
type InitResult struct {
	Err    error
	Client *Client
	Status InitStatus
}

// AuthOptions configures credential discovery and the interactive login.
type AuthOptions struct {
	// TokenSource overrides credential discovery.
	TokenSource oauth2.TokenSource
	// HTTPClient is the base transport, http.DefaultClient when nil.
	HTTPClient *http.Client

	Endpoint        string
	Project         string
	CredentialsFile string
	TokenFile       string
	ClientID        string
	ClientSecret    string
}

var errNoCredentials = errors.New("no credentials found")

// AfterLogin returns the options to retry Initialize with once Authenticate
// has stored a token. The token file then takes over from any credentials
// file or override that was rejected.
func (o AuthOptions) AfterLogin() AuthOptions {
	o.TokenSource = nil
	o.CredentialsFile = ""
	return o
}

// Initialize discovers credentials and checks them against the project with
// a trivial computation. The caller decides whether to authenticate and retry.
func Initialize(ctx context.Context, opts AuthOptions) InitResult {
	base := opts.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	ts, err := opts.tokenSource(ctx)
	if errors.Is(err, errNoCredentials) {
		return InitResult{Status: NeedsAuth, Err: err}
	}
	if err != nil {
		return InitResult{Status: Failed, Err: err}
	}

	client := NewClient(opts.Endpoint, opts.Project, oauth2.NewClient(tokenCtx, ts))

	var one float64
	err = client.Compute(ctx, NewExpression(Constant(1)), &one)
	switch {
	case err == nil:
		log.Info().Str("project", opts.Project).Msg("Earth Engine initialized")
		return InitResult{Status: Initialized, Client: client}
	case IsAuthError(err) || isTokenError(err):
		return InitResult{Status: NeedsAuth, Err: err}
	default:
		return InitResult{Status: Failed, Err: fmt.Errorf("verify project %q: %w", opts.Project, err)}
	}
}

func (o AuthOptions) tokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	if o.TokenSource != nil {
		return o.TokenSource, nil
	}

	for _, path := range []string{o.CredentialsFile, o.TokenFile} {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			log.Debug().Str("path", path).Msg("Credentials file not found")
			continue
		}
		if err != nil {
			return nil, err
		}

		creds, err := google.CredentialsFromJSON(ctx, data, Scopes...)
		if err != nil {
			return nil, fmt.Errorf("parse credentials %s: %w", path, err)
		}
		log.Debug().Str("path", path).Msg("Using credentials file")
		return creds.TokenSource, nil
	}

	creds, err := google.FindDefaultCredentials(ctx, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNoCredentials, err)
	}
	log.Debug().Msg("Using application default credentials")
	return creds.TokenSource, nil
}

func isTokenError(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	return errors.As(err, &retrieveErr)
}

// authorizedUser is the credentials file layout understood by
// google.CredentialsFromJSON.
type authorizedUser struct {
	Type         string `json:"type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
}

// Authenticate runs the interactive login: it prints a consent URL to out,
// waits for the browser redirect on a loopback listener and stores the
// refresh token in opts.TokenFile.
func Authenticate(ctx context.Context, opts AuthOptions, out io.Writer) error {
	if opts.ClientID == "" {
		return errors.New("interactive login needs an OAuth client id")
	}
	if opts.TokenFile == "" {
		return errors.New("interactive login needs a token file")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen for redirect: %w", err)
	}
	defer func() { _ = ln.Close() }()

	conf := &oauth2.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  fmt.Sprintf("http://%s/", ln.Addr().String()),
		Scopes:       Scopes,
	}

	state, err := randomState()
	if err != nil {
		return err
	}
	verifier := oauth2.GenerateVerifier()
	authURL := conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))

	_, _ = fmt.Fprintf(out, "To authorize access to Earth Engine, open this URL in a browser:\n\n%s\n\n", authURL)

	codes := make(chan string, 1)
	errs := make(chan error, 1)
	srv := &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			if q.Get("state") != state {
				http.Error(w, "state mismatch", http.StatusBadRequest)
				return
			}
			if e := q.Get("error"); e != "" {
				http.Error(w, "authorization denied", http.StatusForbidden)
				errs <- fmt.Errorf("authorization denied: %s", e)
				return
			}
			_, _ = io.WriteString(w, "Authorization complete, you can close this window.")
			codes <- q.Get("code")
		}),
	}
	go func() { _ = srv.Serve(ln) }()
	defer func() { _ = srv.Close() }()

	var code string
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errs:
		return err
	case code = <-codes:
	}

	tok, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return fmt.Errorf("exchange authorization code: %w", err)
	}
	if tok.RefreshToken == "" {
		return errors.New("authorization returned no refresh token")
	}

	return saveAuthorizedUser(opts.TokenFile, authorizedUser{
		Type:         "authorized_user",
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		RefreshToken: tok.RefreshToken,
	})
}

func saveAuthorizedUser(path string, user authorizedUser) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	data, err := json.MarshalIndent(user, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return err
	}

	log.Info().Str("path", path).Msg("Credentials saved")
	return nil
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
