package media

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/taralok/consult/internal/media"
	"github.com/taralok/consult/internal/realtime"
)

// HMACIssuer mints ephemeral credentials the media server can verify with the
// shared secret alone: the username encodes the expiry and the password is
// its HMAC, so no credential state is stored on either side.
type HMACIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewHMACIssuer(secret string, ttl time.Duration) *HMACIssuer {
	return &HMACIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

var _ media.Issuer = (*HMACIssuer)(nil)

func (i *HMACIssuer) IssueCredentials(channelName, participantID string) (*realtime.MediaCredentials, error) {
	if channelName == "" || participantID == "" {
		return nil, fmt.Errorf("channel name and participant id are required")
	}
	expiresAt := i.now().Add(i.ttl).Unix()
	username := fmt.Sprintf("%d:%s:%s", expiresAt, channelName, participantID)

	h := hmac.New(sha256.New, i.secret)
	h.Write([]byte(username))
	password := base64.StdEncoding.EncodeToString(h.Sum(nil))

	return &realtime.MediaCredentials{
		ChannelName: channelName,
		UID:         participantID,
		Username:    username,
		Password:    password,
		TTLSeconds:  int64(i.ttl / time.Second),
		ExpiresAt:   expiresAt,
	}, nil
}
