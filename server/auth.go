package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/janelia-flyem/npmutate/neuprint"
	"github.com/zenazn/goji/web"
)

// authConfig is the [auth] section.  Mutations need a JWT signed with the secret key
// when one is set.
type authConfig struct {
	AuthFile  string `toml:"auth_file"`
	SecretKey string `toml:"secret_key"`
}

// authorizer checks bearer tokens against the secret key and the user privileges.
type authorizer struct {
	secret []byte
	users  map[string]string // user -> "read", "write" or "readwrite"; "*" matches anyone
}

func newAuthorizer(c authConfig) (*authorizer, error) {
	a := &authorizer{secret: []byte(c.SecretKey)}
	if len(c.AuthFile) == 0 {
		if len(c.SecretKey) != 0 {
			neuprint.Infof("No authorization file found.  Any user with a valid token can mutate.\n")
		}
		return a, nil
	}
	data, err := os.ReadFile(c.AuthFile)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &a.users); err != nil {
		return nil, fmt.Errorf("bad authorization file %s: %v", c.AuthFile, err)
	}
	return a, nil
}

func (a *authorizer) enabled() bool {
	return len(a.secret) != 0
}

// generateJWT returns a JWT given a user.
func (a *authorizer) generateJWT(user string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user": user})
	tokenString, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("error with JWT signing: %v", err)
	}
	return tokenString, nil
}

// authenticate returns the user named by the request's bearer token.
func (a *authorizer) authenticate(r *http.Request) (string, error) {
	reqToken := r.Header.Get("Authorization")
	if len(reqToken) == 0 {
		return "", fmt.Errorf("JWT required via Authorization in request header")
	}
	splitToken := strings.Split(reqToken, "Bearer")
	if len(splitToken) != 2 {
		return "", fmt.Errorf("bearer not in proper format")
	}
	reqToken = strings.TrimSpace(splitToken[1])
	if len(reqToken) == 0 {
		return "", fmt.Errorf("requests require JWT authentication")
	}
	token, err := jwt.Parse(reqToken, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("error signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("error parsing JWT: %v", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("failed authorization")
	}
	user, ok := claims["user"].(string)
	if !ok {
		return "", fmt.Errorf("user %v is not a simple string", claims["user"])
	}
	return user, nil
}

// allowed returns true if the user has the privilege needed by the HTTP method.
func (a *authorizer) allowed(user, httpMethod string) bool {
	if len(a.users) == 0 {
		return true
	}
	method := strings.ToLower(httpMethod)
	readReq := method == "get" || method == "head"
	priv, found := a.users[user]
	if !found {
		priv, found = a.users["*"]
		if !found {
			return false
		}
	}
	switch priv {
	case "readwrite":
		return true
	case "read":
		return readReq
	case "write":
		return !readReq
	default:
		neuprint.Errorf("Authorized user %q has unparsable privilege %q\n", user, priv)
		return false
	}
}

// isAuthorized wraps a handler so it only runs for authorized users, setting
// c.Env["user"] to the authenticated user.
func (a *authorizer) isAuthorized(h web.HandlerFunc) web.HandlerFunc {
	return func(c web.C, w http.ResponseWriter, r *http.Request) {
		if !a.enabled() {
			h(c, w, r)
			return
		}
		user, err := a.authenticate(r)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		if !a.allowed(user, r.Method) {
			writeError(w, r, http.StatusForbidden, fmt.Sprintf("user %q is not authorized", user))
			return
		}
		if c.Env == nil {
			c.Env = make(map[interface{}]interface{})
		}
		c.Env["user"] = user
		h(c, w, r)
	}
}
