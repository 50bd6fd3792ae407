// Package keyring holds the symmetric keys used to sign identity credentials
// and artifact envelopes. One key is active for signing; retired keys stay in
// the verification set until they are removed from configuration.
package keyring

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

var ErrNoSecret = errors.New("keyring: signing secret is empty")

type Keyring struct {
	alg    jwa.SignatureAlgorithm
	active jwk.Key
	set    jwk.Set
}

// New builds a keyring whose active key is (kid, secret). previous is a
// comma separated list of kid:secret pairs accepted for verification only.
func New(alg, kid, secret, previous string) (*Keyring, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	var sa jwa.SignatureAlgorithm
	if err := sa.Accept(alg); err != nil {
		return nil, fmt.Errorf("keyring: algorithm %q: %w", alg, err)
	}
	switch sa {
	case jwa.HS256, jwa.HS384, jwa.HS512:
	default:
		return nil, fmt.Errorf("keyring: algorithm %q is not an HMAC algorithm", alg)
	}

	kr := &Keyring{alg: sa, set: jwk.NewSet()}
	active, err := kr.add(kid, secret)
	if err != nil {
		return nil, err
	}
	kr.active = active

	for _, pair := range strings.Split(previous, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		pk, ps, ok := strings.Cut(pair, ":")
		if !ok || pk == "" || ps == "" {
			return nil, fmt.Errorf("keyring: malformed previous key entry (want kid:secret)")
		}
		if pk == kid {
			continue
		}
		if _, err := kr.add(pk, ps); err != nil {
			return nil, err
		}
	}
	return kr, nil
}

func (k *Keyring) add(kid, secret string) (jwk.Key, error) {
	key, err := jwk.FromRaw([]byte(secret))
	if err != nil {
		return nil, fmt.Errorf("keyring: import %s: %w", kid, err)
	}
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.AlgorithmKey, k.alg); err != nil {
		return nil, err
	}
	if err := k.set.AddKey(key); err != nil {
		return nil, fmt.Errorf("keyring: add %s: %w", kid, err)
	}
	return key, nil
}

// Algorithm is the signature algorithm shared by every key in the ring.
func (k *Keyring) Algorithm() jwa.SignatureAlgorithm { return k.alg }

// SigningKey returns the active key; its kid is emitted in protected headers.
func (k *Keyring) SigningKey() jwk.Key { return k.active }

// KeyID of the active key.
func (k *Keyring) KeyID() string { return k.active.KeyID() }

// Set returns every key accepted for verification.
func (k *Keyring) Set() jwk.Set { return k.set }
