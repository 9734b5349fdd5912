package connect

import (
	"fmt"
	"net/http"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// credentials attached to the websocket upgrade and the liveness probe
type ClientAuth struct {
	// optional bearer jwt issued by the notebook server
	ByJwt      string
	AppVersion string
}

func (self *ClientAuth) Header() http.Header {
	header := http.Header{}
	if self == nil {
		return header
	}
	if self.ByJwt != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", self.ByJwt))
	}
	if self.AppVersion != "" {
		header.Set("X-Client-Version", self.AppVersion)
	}
	return header
}

type ByJwt struct {
	Subject    string
	NotebookId string
	ExpiresAt  time.Time
}

// the server verifies the jwt. The client only reads claims to pick defaults.
func ParseByJwtUnverified(jwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if subject, err := claims.GetSubject(); err == nil {
		byJwt.Subject = subject
	}
	if notebookId, ok := claims["notebook_id"]; ok {
		if notebookIdStr, ok := notebookId.(string); ok {
			byJwt.NotebookId = notebookIdStr
		}
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		byJwt.ExpiresAt = expiresAt.Time
	}

	return byJwt, nil
}

func (self *ByJwt) Expired(now time.Time) bool {
	return !self.ExpiresAt.IsZero() && !now.Before(self.ExpiresAt)
}
