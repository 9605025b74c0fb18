package main

import (
	"fmt"

	"github.com/miekg/pkcs11"
)

// hsmSigner signs with a P-256 key held on a PKCS#11 token. The
// secret key never enters process memory; only the public point is
// read out.
type hsmSigner struct {
	ctx     *pkcs11.Ctx
	session pkcs11.SessionHandle
	key     pkcs11.ObjectHandle
	public  PublicKey
}

// NewHSMSigner opens the first slot of the given PKCS#11 module and
// locates the keypair with the given label.
func NewHSMSigner(modulePath, pin, label string) (Signer, error) {
	ctx := pkcs11.New(modulePath)
	if ctx == nil {
		return nil, fmt.Errorf("failed to load PKCS#11 module %s", modulePath)
	}
	if err := ctx.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PKCS#11 module: %w", err)
	}

	slots, err := ctx.GetSlotList(true)
	if err != nil || len(slots) == 0 {
		ctx.Finalize()
		return nil, fmt.Errorf("no PKCS#11 slots with a token present")
	}

	session, err := ctx.OpenSession(slots[0], pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		ctx.Finalize()
		return nil, fmt.Errorf("failed to open PKCS#11 session: %w", err)
	}

	if err := ctx.Login(session, pkcs11.CKU_USER, pin); err != nil {
		ctx.CloseSession(session)
		ctx.Finalize()
		return nil, fmt.Errorf("PKCS#11 login failed: %w", err)
	}

	s := &hsmSigner{ctx: ctx, session: session}

	s.key, err = s.findObject(pkcs11.CKO_PRIVATE_KEY, label)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to locate private key %q: %w", label, err)
	}

	pubHandle, err := s.findObject(pkcs11.CKO_PUBLIC_KEY, label)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to locate public key %q: %w", label, err)
	}

	point, err := s.ecPoint(pubHandle)
	if err != nil {
		s.Close()
		return nil, err
	}
	copy(s.public[:], point)

	return s, nil
}

func (s *hsmSigner) findObject(class uint, label string) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}
	if err := s.ctx.FindObjectsInit(s.session, template); err != nil {
		return 0, err
	}
	defer s.ctx.FindObjectsFinal(s.session)

	handles, _, err := s.ctx.FindObjects(s.session, 1)
	if err != nil {
		return 0, err
	}
	if len(handles) == 0 {
		return 0, fmt.Errorf("object not found")
	}
	return handles[0], nil
}

// ecPoint reads CKA_EC_POINT and strips the DER octet-string wrapper
// around the 65-byte uncompressed point.
func (s *hsmSigner) ecPoint(handle pkcs11.ObjectHandle) ([]byte, error) {
	attrs, err := s.ctx.GetAttributeValue(s.session, handle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read EC point: %w", err)
	}

	raw := attrs[0].Value
	if len(raw) == 67 && raw[0] == 0x04 && raw[1] == 65 {
		raw = raw[2:]
	}
	if len(raw) != 65 || raw[0] != 0x04 {
		return nil, fmt.Errorf("unexpected EC point encoding (%d bytes)", len(raw))
	}
	return raw, nil
}

func (s *hsmSigner) Sign(data []byte) (Signature, error) {
	digest := hashBytes(data)

	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)}
	if err := s.ctx.SignInit(s.session, mech, s.key); err != nil {
		return Signature{}, fmt.Errorf("PKCS#11 sign init failed: %w", err)
	}

	raw, err := s.ctx.Sign(s.session, digest[:])
	if err != nil {
		return Signature{}, fmt.Errorf("PKCS#11 sign failed: %w", err)
	}
	if len(raw) != 64 {
		return Signature{}, fmt.Errorf("unexpected PKCS#11 signature length %d", len(raw))
	}

	var sig Signature
	copy(sig[:], raw)
	return sig, nil
}

func (s *hsmSigner) Public() PublicKey {
	return s.public
}

// Close logs out and releases the PKCS#11 session.
func (s *hsmSigner) Close() {
	s.ctx.Logout(s.session)
	s.ctx.CloseSession(s.session)
	s.ctx.Finalize()
}
