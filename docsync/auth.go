package docsync

import (
	"errors"
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Optional peer authentication. When the transport is configured with a
// secret, the join message must carry an HMAC-signed token whose peer_id
// claim matches the announced sender id.

func NewPeerToken(secret []byte, peerId Id) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"peer_id": peerId.String(),
	})
	return token.SignedString(secret)
}

func VerifyPeerToken(secret []byte, tokenStr string) (Id, error) {
	token, err := gojwt.Parse(
		tokenStr,
		func(token *gojwt.Token) (any, error) {
			return secret, nil
		},
		gojwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return Id{}, err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return Id{}, errors.New("peer token has no claims")
	}
	peerIdStr, ok := claims["peer_id"].(string)
	if !ok {
		return Id{}, errors.New("peer token has no peer_id claim")
	}
	peerId, err := ParseId(peerIdStr)
	if err != nil {
		return Id{}, fmt.Errorf("peer token peer_id: %w", err)
	}
	return peerId, nil
}
