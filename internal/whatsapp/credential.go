package whatsapp

import (
	"encoding/json"
	"fmt"
	"time"

	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
)

// Credential is the session record handed to the connection controller.
// The encryption keys themselves stay in the whatsmeow sqlstore; the record
// names the device to reopen on the next start.
type Credential struct {
	JID          string    `json:"jid"`
	LID          string    `json:"lid,omitempty"`
	Platform     string    `json:"platform,omitempty"`
	BusinessName string    `json:"business_name,omitempty"`
	PairedAt     time.Time `json:"paired_at"`
}

// EncodeCredential serializes c for the session store.
func EncodeCredential(c Credential) ([]byte, error) {
	if c.JID == "" {
		return nil, fmt.Errorf("credential has no JID")
	}
	return json.Marshal(c)
}

// DecodeCredential parses a stored session record and validates its JID.
func DecodeCredential(blob []byte) (*Credential, types.JID, error) {
	var c Credential
	if err := json.Unmarshal(blob, &c); err != nil {
		return nil, types.EmptyJID, fmt.Errorf("invalid credential: %w", err)
	}
	if c.JID == "" {
		return nil, types.EmptyJID, fmt.Errorf("invalid credential: missing jid")
	}
	jid, err := types.ParseJID(c.JID)
	if err != nil {
		return nil, types.EmptyJID, fmt.Errorf("invalid credential jid %q: %w", c.JID, err)
	}
	return &c, jid, nil
}

// credentialFromDevice builds a credential for an already linked device.
func credentialFromDevice(device *store.Device, pairedAt time.Time) (Credential, bool) {
	if device == nil || device.ID == nil {
		return Credential{}, false
	}
	c := Credential{
		JID:          device.ID.String(),
		Platform:     device.Platform,
		BusinessName: device.BusinessName,
		PairedAt:     pairedAt,
	}
	if !device.LID.IsEmpty() {
		c.LID = device.LID.String()
	}
	return c, true
}
