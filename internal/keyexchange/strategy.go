// Package keyexchange hands each room participant the symmetric key their
// client uses to encrypt message payloads. The server never sees plaintext.
package keyexchange

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"

	"github.com/whisper/matchroom/internal/apperr"
	"github.com/whisper/matchroom/internal/domain"
	"github.com/whisper/matchroom/internal/logging"
)

// KeySize is the length of a room key and of a recipient public key.
const KeySize = 32

// Schemes reported in session_key frames.
const (
	SchemeSealedBox = "sealed-box"
	SchemeDerived   = "derived"
)

// Strategy produces the key material sent to one participant of a room.
type Strategy interface {
	Name() string
	KeyFor(ctx context.Context, room *domain.Room, recipient *domain.User) (scheme string, key []byte, err error)
}

// ---------- Envelope ----------

// EnvelopeStrategy generates one random key per room and seals it to each
// recipient's public key with an anonymous NaCl box.
type EnvelopeStrategy struct {
	keys   RoomKeys
	random io.Reader
}

func NewEnvelopeStrategy(keys RoomKeys) *EnvelopeStrategy {
	return &EnvelopeStrategy{keys: keys, random: rand.Reader}
}

func (s *EnvelopeStrategy) Name() string { return "envelope" }

func (s *EnvelopeStrategy) KeyFor(ctx context.Context, room *domain.Room, recipient *domain.User) (string, []byte, error) {
	if len(recipient.PublicKey) != KeySize {
		return "", nil, fmt.Errorf("keyexchange: user %s has no usable public key: %w", recipient.ID, apperr.ErrValidation)
	}

	candidate := make([]byte, KeySize)
	if _, err := io.ReadFull(s.random, candidate); err != nil {
		return "", nil, fmt.Errorf("keyexchange: generate key: %w", err)
	}
	roomKey, err := s.keys.GetOrCreate(ctx, room.ID, candidate)
	if err != nil {
		return "", nil, err
	}

	var pub [KeySize]byte
	copy(pub[:], recipient.PublicKey)
	sealed, err := box.SealAnonymous(nil, roomKey, &pub, s.random)
	if err != nil {
		return "", nil, fmt.Errorf("keyexchange: seal for %s: %w", recipient.ID, err)
	}
	return SchemeSealedBox, sealed, nil
}

// ---------- Derived ----------

const derivedInfo = "matchroom room key v1"

// DerivedStrategy derives the room key from the room id with HKDF-SHA256.
// Anyone who learns a room id and the salt can compute its key, so it only
// exists for clients that cannot yet handle sealed boxes.
type DerivedStrategy struct {
	salt []byte
}

func NewDerivedStrategy(salt string, log *slog.Logger) *DerivedStrategy {
	logging.Component(log, "keyexchange").Warn(
		"derived room keys are enabled; keys are computable from the room id and are not confidential")
	return &DerivedStrategy{salt: []byte(salt)}
}

func (s *DerivedStrategy) Name() string { return "derived" }

func (s *DerivedStrategy) KeyFor(_ context.Context, room *domain.Room, _ *domain.User) (string, []byte, error) {
	key, err := DeriveRoomKey(room.ID, s.salt)
	if err != nil {
		return "", nil, err
	}
	return SchemeDerived, key, nil
}

// DeriveRoomKey expands roomID into a KeySize key.
func DeriveRoomKey(roomID string, salt []byte) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(roomID), salt, []byte(derivedInfo)), key); err != nil {
		return nil, fmt.Errorf("keyexchange: derive: %w", err)
	}
	return key, nil
}
