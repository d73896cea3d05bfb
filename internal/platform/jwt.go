package platform

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strconv"
	"time"
)

// No JWT library appears anywhere in the example pack, so app-level
// authentication signs its own compact JWS by hand. The algorithm is
// fixed at RS256, the only one GitHub Apps accept.

type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

type appJWTClaims struct {
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
	Iss string `json:"iss"`
}

// ParseRSAPrivateKeyPEM decodes a PKCS#1 or PKCS#8 RSA private key from a
// PEM-encoded blob, as read from GitHubConfig.JWTKeyFile.
func ParseRSAPrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("platform: no PEM block found in key file")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("platform: parse RSA private key: %w", err)
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("platform: key file does not contain an RSA private key")
	}
	return rsaKey, nil
}

func base64URLEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// SignAppJWT mints a short-lived JWT identifying the GitHub App with the
// given appID, signed with key. GitHub requires iat to be set slightly in
// the past to tolerate clock skew between forrest and its servers, and
// caps exp at 10 minutes out.
func SignAppJWT(appID int64, key *rsa.PrivateKey, now time.Time) (string, error) {
	header, err := json.Marshal(jwtHeader{Alg: "RS256", Typ: "JWT"})
	if err != nil {
		return "", fmt.Errorf("platform: marshal jwt header: %w", err)
	}

	claims, err := json.Marshal(appJWTClaims{
		Iat: now.Add(-60 * time.Second).Unix(),
		Exp: now.Add(9 * time.Minute).Unix(),
		Iss: strconv.FormatInt(appID, 10),
	})
	if err != nil {
		return "", fmt.Errorf("platform: marshal jwt claims: %w", err)
	}

	signingInput := base64URLEncode(header) + "." + base64URLEncode(claims)

	hashed := sha256.Sum256([]byte(signingInput))
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
	if err != nil {
		return "", fmt.Errorf("platform: sign jwt: %w", err)
	}

	return signingInput + "." + base64URLEncode(signature), nil
}
