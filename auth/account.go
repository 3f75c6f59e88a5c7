// Package auth implements the AccountStore collaborator: an in-memory
// username/bcrypt-hash table with LOGIN and SASL PLAIN (AUTHENTICATE)
// support.
package auth

import (
	"errors"
	"fmt"
	"sync"

	"github.com/emersion/go-sasl"
	"golang.org/x/crypto/bcrypt"

	"imapd"
)

// ErrUnknownUser and ErrBadCredentials are returned by Login/Authenticate
// failures. The dispatcher collapses both into a generic tagged No so it
// never reveals which one happened to the client, but keeping them
// distinct aids operator-facing logs.
var (
	ErrUnknownUser    = errors.New("auth: unknown user")
	ErrBadCredentials = errors.New("auth: bad credentials")
)

// StoreFactory builds the MailboxStore bound to a freshly authenticated
// user. Store lives in a separate package from auth, so this indirection
// avoids a store->auth or auth->store import cycle; cmd/imapd wires the
// concrete store.Memory.ForUser in as this factory.
type StoreFactory func(user string) (imapd.MailboxStore, error)

// Store is an in-memory AccountStore: username -> bcrypt hash.
type Store struct {
	mu    sync.RWMutex
	users map[string][]byte

	newStore StoreFactory
}

// NewStore builds an empty Store; users are added with CreateUser.
func NewStore(newStore StoreFactory) *Store {
	return &Store{users: make(map[string][]byte), newStore: newStore}
}

// CreateUser hashes plainPassword with bcrypt and registers username.
func (s *Store) CreateUser(username, plainPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(plainPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("auth: hash password: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = hash
	return nil
}

// DeleteUser removes username's credentials entirely.
func (s *Store) DeleteUser(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, username)
}

// ResetPassword replaces username's stored hash.
func (s *Store) ResetPassword(username, plainPassword string) error {
	return s.CreateUser(username, plainPassword)
}

// ListUsers returns every registered username, order unspecified.
func (s *Store) ListUsers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.users))
	for u := range s.users {
		out = append(out, u)
	}
	return out
}

func (s *Store) verify(username, password string) error {
	s.mu.RLock()
	hash, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		return ErrUnknownUser
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
		return ErrBadCredentials
	}
	return nil
}

// Login implements imapd.AccountStore's plain LOGIN path.
func (s *Store) Login(user, password string) (imapd.MailboxStore, error) {
	if err := s.verify(user, password); err != nil {
		return nil, err
	}
	return s.newStore(user)
}

// Authenticate implements imapd.AccountStore's AUTHENTICATE path. Only the
// PLAIN mechanism (RFC 4616) is supported, driven by a
// github.com/emersion/go-sasl server: challenge is invoked to request
// another piece of client data via the session's "+ <b64>" continuation
// whenever the SASL exchange is not yet done.
func (s *Store) Authenticate(mechanism string, initial []byte, challenge func([]byte) ([]byte, error)) (string, imapd.MailboxStore, error) {
	if mechanism != "PLAIN" {
		return "", nil, fmt.Errorf("auth: unsupported mechanism %q", mechanism)
	}

	var authedUser string
	authenticator := func(identity, username, password string) error {
		if err := s.verify(username, password); err != nil {
			return err
		}
		authedUser = username
		return nil
	}

	srv := sasl.NewPlainServer(authenticator)

	resp := initial
	for {
		challengeBytes, done, err := srv.Next(resp)
		if err != nil {
			return "", nil, err
		}
		if done {
			break
		}
		resp, err = challenge(challengeBytes)
		if err != nil {
			return "", nil, err
		}
	}

	store, err := s.newStore(authedUser)
	if err != nil {
		return "", nil, err
	}
	return authedUser, store, nil
}
