package video

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
)

// Grant is what a client needs to join a channel.
type Grant struct {
	Token     string    `json:"token"`
	AppID     string    `json:"app_id"`
	Channel   string    `json:"channel"`
	UID       uint32    `json:"uid"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenService issues channel tokens with the practice's video credentials.
type TokenService struct {
	appID          string
	appCertificate string
	ttl            time.Duration
	now            func() time.Time
}

func NewTokenService(appID, appCertificate string, ttl time.Duration) (*TokenService, error) {
	if !isHex32(appID) || !isHex32(appCertificate) {
		return nil, ErrInvalidCredentials
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive")
	}
	return &TokenService{appID: appID, appCertificate: appCertificate, ttl: ttl, now: time.Now}, nil
}

// Configured reports whether the service has credentials. A nil service
// means video is disabled.
func (s *TokenService) Configured() bool {
	return s != nil
}

// IssueForSession returns an RTC token for uid in channel.
func (s *TokenService) IssueForSession(channel string, uid uint32, role Role) (*Grant, error) {
	now := s.now()
	expire := uint32(s.ttl / time.Second)
	token, err := BuildRTCToken(s.appID, s.appCertificate, channel, uid, role, expire, expire, now)
	if err != nil {
		return nil, err
	}
	return &Grant{
		Token:     token,
		AppID:     s.appID,
		Channel:   channel,
		UID:       uid,
		Role:      role.String(),
		ExpiresAt: time.Unix(now.Unix()+int64(expire), 0).UTC(),
	}, nil
}

// UIDFor maps a user to a stable non-zero numeric uid. Zero would let the
// video network assign one, which breaks participant attribution.
func UIDFor(userID uuid.UUID) uint32 {
	h := fnv.New32a()
	h.Write(userID[:])
	if v := h.Sum32(); v != 0 {
		return v
	}
	return 1
}

// ChannelFor derives the channel name for a video session.
func ChannelFor(sessionID uuid.UUID) string {
	b := make([]byte, 0, 35)
	b = append(b, "vx_"...)
	for _, c := range sessionID.String() {
		if c != '-' {
			b = append(b, byte(c))
		}
	}
	return string(b)
}
