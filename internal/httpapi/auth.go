package httpapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

const (
	ScopeStateRead  = "state:read"
	ScopeStateWrite = "state:write"
	ScopeStateAll   = "state:*"
	tokenAudience   = "statecast"
)

// Grant is the set of state permissions carried by a token.
type Grant uint8

const (
	GrantRead Grant = 1 << iota
	GrantWrite
)

func (g Grant) allows(need Grant) bool {
	return g&need == need
}

// grantForScope maps a scope name onto state permissions. A writer may also
// read; scopes outside the state namespace grant nothing.
func grantForScope(scope string) Grant {
	switch scope {
	case ScopeStateRead:
		return GrantRead
	case ScopeStateWrite, ScopeStateAll:
		return GrantRead | GrantWrite
	default:
		return 0
	}
}

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: 401, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: 403, code: "forbidden", message: message}
}

type tokenClaims struct {
	AgentName string
	Grant     Grant
	ExpiresAt time.Time
}

// claimSet is the JWT payload as issued for statecast.
type claimSet struct {
	AgentName string          `json:"agent_name"`
	Scopes    scopeList       `json:"scopes"`
	Exp       json.Number     `json:"exp"`
	Aud       json.RawMessage `json:"aud,omitempty"`
}

// scopeList accepts either a JSON array or a space separated string.
type scopeList []string

func (s *scopeList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return err
	}
	*s = strings.Fields(joined)
	return nil
}

func authorizeBearer(authHeader, jwtSecret string, need Grant, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if !claims.Grant.allows(need) {
		return tokenClaims{}, forbidden("token does not grant " + describeGrant(need))
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	payload, authErr := verifyHS256(strings.TrimSpace(raw), jwtSecret)
	if authErr != nil {
		return tokenClaims{}, authErr
	}

	var set claimSet
	if err := json.Unmarshal(payload, &set); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	if set.AgentName == "" {
		return tokenClaims{}, unauthorized("missing agent_name claim")
	}
	exp, err := set.Exp.Int64()
	if err != nil {
		return tokenClaims{}, unauthorized("invalid exp claim")
	}
	if now.Unix() >= exp {
		return tokenClaims{}, unauthorized("token expired")
	}
	if !audienceMatches(set.Aud) {
		return tokenClaims{}, unauthorized("invalid aud claim")
	}

	var grant Grant
	for _, scope := range set.Scopes {
		grant |= grantForScope(scope)
	}
	if grant == 0 {
		return tokenClaims{}, forbidden("token grants no state scopes")
	}
	return tokenClaims{
		AgentName: set.AgentName,
		Grant:     grant,
		ExpiresAt: time.Unix(exp, 0).UTC(),
	}, nil
}

// verifyHS256 checks the header and signature of a compact JWT and returns
// its decoded payload.
func verifyHS256(token, secret string) ([]byte, *authError) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, unauthorized("invalid jwt format")
	}
	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, unauthorized("invalid jwt header")
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return nil, unauthorized("unsupported jwt algorithm")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, unauthorized("invalid jwt signature")
	}
	if !hmac.Equal(sig, signHS256(secret, parts[0]+"."+parts[1])) {
		return nil, unauthorized("jwt signature mismatch")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, unauthorized("invalid jwt payload")
	}
	return payload, nil
}

// audienceMatches accepts a missing aud, or one naming statecast either as a
// string or within a list.
func audienceMatches(raw json.RawMessage) bool {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return true
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single == tokenAudience
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return false
	}
	for _, aud := range list {
		if aud == tokenAudience {
			return true
		}
	}
	return false
}

func describeGrant(g Grant) string {
	if g.allows(GrantWrite) {
		return ScopeStateWrite
	}
	return ScopeStateRead
}

// IssueToken signs an HS256 token for agentName. The source binary uses it to
// print a development token; tests use it to authenticate.
func IssueToken(secret, agentName string, scopes []string, exp time.Time) (string, error) {
	headerBytes, err := json.Marshal(map[string]any{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"agent_name": agentName,
		"scopes":     scopes,
		"exp":        exp.Unix(),
		"aud":        tokenAudience,
	})
	if err != nil {
		return "", err
	}
	signingInput := base64.RawURLEncoding.EncodeToString(headerBytes) + "." + base64.RawURLEncoding.EncodeToString(payloadBytes)
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signHS256(secret, signingInput)), nil
}

func signHS256(secret, signingInput string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}
