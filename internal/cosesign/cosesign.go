// Package cosesign wraps a CBOR-encoded C2PA hashing assertion in a
// COSE_Sign1 message. The signing key itself is an opaque capability:
// this package never holds private key material, only a Signer.
package cosesign

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"

	"github.com/veraison/go-cose"

	"github.com/forestrie/live-bmff-signer/internal/bmfferr"
)

// Signer is the opaque signing capability referenced throughout the
// signing engine (spec §1): a cose.Signer plus enough identity metadata
// to let a verifier locate the corresponding public key, mirroring the
// teacher's IdentifiableCoseSigner extension of cose.Signer.
type Signer interface {
	cose.Signer
	PublicKey(ctx context.Context, kid string) (*ecdsa.PublicKey, error)
	KeyIdentifier() string
}

// Sign1 wraps payload (already-CBOR-encoded assertion bytes) in a
// COSE_Sign1 message, setting the key id in the protected header the way
// the teacher's RootSigner.Sign1 sets its CWT claims header.
func Sign1(signer Signer, payload []byte, external []byte) ([]byte, error) {
	headers := cose.Headers{
		Protected: cose.ProtectedHeader{
			cose.HeaderLabelAlgorithm: signer.Algorithm(),
			cose.HeaderLabelKeyID:     []byte(signer.KeyIdentifier()),
		},
	}

	msg := cose.Sign1Message{
		Headers: headers,
		Payload: payload,
	}
	if err := msg.Sign(rand.Reader, external, signer); err != nil {
		return nil, err
	}

	return msg.MarshalCBOR()
}

// Verify1 decodes a COSE_Sign1 message and verifies it against the
// public key identified by the message's key id.
func Verify1(ctx context.Context, signer Signer, data []byte, external []byte) (*cose.Sign1Message, error) {
	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(data); err != nil {
		return nil, err
	}

	kidRaw, ok := msg.Headers.Protected[cose.HeaderLabelKeyID]
	if !ok {
		return nil, bmfferr.New(bmfferr.InvalidAsset, "cosesign: COSE_Sign1 message has no kid header")
	}
	kidBytes, ok := kidRaw.([]byte)
	if !ok {
		return nil, bmfferr.New(bmfferr.InvalidAsset, "cosesign: COSE_Sign1 kid header is not a byte string")
	}
	kid := string(kidBytes)

	pub, err := signer.PublicKey(ctx, kid)
	if err != nil {
		return nil, err
	}

	verifier, err := cose.NewVerifier(signer.Algorithm(), pub)
	if err != nil {
		return nil, err
	}
	if err := msg.Verify(external, verifier); err != nil {
		return nil, err
	}
	return &msg, nil
}
