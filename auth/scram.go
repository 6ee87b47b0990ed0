package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/xdg-go/stringprep"
	"golang.org/x/crypto/pbkdf2"
)

// MechanismSCRAMSHA256 is the only SASL mechanism this client speaks.
const MechanismSCRAMSHA256 = "SCRAM-SHA-256"

const clientNonceLen = 18

// Error reports an authentication exchange failure: a nonce or signature
// mismatch, a malformed SCRAM field, or a step taken out of order.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return "authentication failed: " + e.Reason }

// phase tracks the SCRAM sub-state machine. Steps must arrive in order;
// anything else is fatal.
type phase int

const (
	awaitingChallenge phase = iota
	awaitingFinal
	done
)

// SCRAMAuthenticator drives one SCRAM-SHA-256 exchange. Instances are
// single-use: each connection attempt needs a fresh one.
//
// The username is written into client-first-bare verbatim. PostgreSQL
// ignores it (the startup message already carried the user), so the
// connection layer passes "".
type SCRAMAuthenticator struct {
	user     string
	password string

	clientNonce     string
	clientFirstBare string
	serverNonce     string
	saltedPassword  []byte
	authMessage     string

	phase phase
}

// NewSCRAMAuthenticator creates an authenticator with a nonce drawn from
// crypto/rand.
func NewSCRAMAuthenticator(user, password string) (*SCRAMAuthenticator, error) {
	raw := make([]byte, clientNonceLen)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating client nonce: %w", err)
	}
	nonce := base64.RawStdEncoding.EncodeToString(raw)
	return NewSCRAMAuthenticatorWithNonce(user, password, nonce), nil
}

// NewSCRAMAuthenticatorWithNonce fixes the client nonce. It exists so the
// exchange can be tested against published vectors; production callers use
// NewSCRAMAuthenticator.
func NewSCRAMAuthenticatorWithNonce(user, password, nonce string) *SCRAMAuthenticator {
	return &SCRAMAuthenticator{
		user:            user,
		password:        password,
		clientNonce:     nonce,
		clientFirstBare: "n=" + user + ",r=" + nonce,
	}
}

// InitialResponse returns the client-first-message, GS2 header included,
// for the SASLInitialResponse frame.
func (a *SCRAMAuthenticator) InitialResponse() []byte {
	return []byte("n,," + a.clientFirstBare)
}

// ProcessServerFirst consumes the server-first-message from an
// AuthenticationSASLContinue and returns the client-final-message to send
// back in a SASLResponse.
func (a *SCRAMAuthenticator) ProcessServerFirst(data []byte) ([]byte, error) {
	if a.phase != awaitingChallenge {
		return nil, &Error{Reason: "server-first-message out of order"}
	}
	a.phase = awaitingFinal

	serverFirst := string(data)
	serverNonce, salt, iterations, err := parseServerFirst(serverFirst)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(serverNonce, a.clientNonce) {
		return nil, &Error{Reason: "nonce mismatch"}
	}
	a.serverNonce = serverNonce

	password := a.password
	if prepared, err := stringprep.SASLprep.Prepare(password); err == nil {
		password = prepared
	}
	a.saltedPassword = pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)

	clientKey := computeHMAC(a.saltedPassword, "Client Key")
	storedKey := sha256.Sum256(clientKey)

	withoutProof := "c=biws,r=" + serverNonce
	a.authMessage = a.clientFirstBare + "," + serverFirst + "," + withoutProof

	clientSignature := computeHMAC(storedKey[:], a.authMessage)
	proof := make([]byte, len(clientKey))
	for i := range proof {
		proof[i] = clientKey[i] ^ clientSignature[i]
	}

	final := withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)
	return []byte(final), nil
}

// ProcessServerFinal consumes the server-final-message from an
// AuthenticationSASLFinal and verifies the server signature in constant
// time.
func (a *SCRAMAuthenticator) ProcessServerFinal(data []byte) error {
	if a.phase != awaitingFinal {
		return &Error{Reason: "server-final-message out of order"}
	}
	a.phase = done

	msg := string(data)
	if strings.HasPrefix(msg, "e=") {
		return &Error{Reason: "server rejected authentication: " + msg[2:]}
	}
	if !strings.HasPrefix(msg, "v=") {
		return &Error{Reason: "malformed server-final-message"}
	}
	signature, err := base64.StdEncoding.DecodeString(msg[2:])
	if err != nil {
		return &Error{Reason: "malformed server signature"}
	}

	serverKey := computeHMAC(a.saltedPassword, "Server Key")
	expected := computeHMAC(serverKey, a.authMessage)
	if !hmac.Equal(signature, expected) {
		return &Error{Reason: "server signature mismatch"}
	}
	return nil
}

// Done reports whether the server-final-message has been processed, whether
// or not its verification succeeded. A failed server-first step leaves it
// false.
func (a *SCRAMAuthenticator) Done() bool { return a.phase == done }

// parseServerFirst splits "r=<nonce>,s=<base64 salt>,i=<iterations>".
func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	for _, part := range strings.Split(msg, ",") {
		if len(part) < 2 || part[1] != '=' {
			return "", nil, 0, &Error{Reason: "malformed server-first-message"}
		}
		value := part[2:]
		switch part[0] {
		case 'r':
			nonce = value
		case 's':
			salt, err = base64.StdEncoding.DecodeString(value)
			if err != nil {
				return "", nil, 0, &Error{Reason: "malformed salt"}
			}
		case 'i':
			iterations, err = strconv.Atoi(value)
			if err != nil || iterations <= 0 {
				return "", nil, 0, &Error{Reason: "malformed iteration count"}
			}
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, &Error{Reason: "incomplete server-first-message"}
	}
	return nonce, salt, iterations, nil
}

func computeHMAC(key []byte, msg string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}
