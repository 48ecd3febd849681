package api

import "net/http"

// Authenticator validates a request's Bearer token and returns the
// authenticated user id. Token verification itself is deployment policy;
// the server depends only on this interface.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// TrustedHeaderAuthenticator reads the user id from a header set by an
// upstream reverse proxy. It is
// a minimal default suitable for deployments that terminate auth at the
// edge; production deployments should supply a real JWT-verifying
// Authenticator instead.
type TrustedHeaderAuthenticator struct {
	HeaderName string
}

// ErrUnauthenticated is returned when no identity can be established.
var ErrUnauthenticated = &AuthError{Message: "missing or invalid credentials"}

// AuthError is returned by Authenticator implementations.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return e.Message }

// Authenticate implements Authenticator.
func (a *TrustedHeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	header := a.HeaderName
	if header == "" {
		header = "X-Authenticated-User"
	}
	userID := r.Header.Get(header)
	if userID == "" {
		return "", ErrUnauthenticated
	}
	return userID, nil
}
