package video

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"time"
)

// RTC privileges.
const (
	PrivilegeJoinChannel        uint16 = 1
	PrivilegePublishAudioStream uint16 = 2
	PrivilegePublishVideoStream uint16 = 3
	PrivilegePublishDataStream  uint16 = 4
)

// RTM privileges.
const PrivilegeLogin uint16 = 1

type Role int

const (
	RolePublisher  Role = 1
	RoleSubscriber Role = 2
)

func (r Role) String() string {
	switch r {
	case RolePublisher:
		return "publisher"
	case RoleSubscriber:
		return "subscriber"
	}
	return "unknown"
}

var channelPattern = regexp.MustCompile(`^[a-zA-Z0-9 !#$%&()+\-:;<=.>?@\[\]^_{}|~,]{1,64}$`)

// ValidChannelName reports whether name is accepted by the video network.
func ValidChannelName(name string) bool {
	return channelPattern.MatchString(name)
}

// RtcService grants media privileges in one channel.
type RtcService struct {
	Privileges  map[uint16]uint32
	ChannelName string
	UID         string
}

func NewRtcService(channel string, uid uint32) *RtcService {
	account := ""
	if uid != 0 {
		account = strconv.FormatUint(uint64(uid), 10)
	}
	return &RtcService{Privileges: make(map[uint16]uint32), ChannelName: channel, UID: account}
}

func (s *RtcService) Type() uint16 { return ServiceTypeRtc }

func (s *RtcService) AddPrivilege(p uint16, expire uint32) {
	s.Privileges[p] = expire
}

func (s *RtcService) pack(w *bytes.Buffer) {
	packUint16(w, s.Type())
	packMapUint32(w, s.Privileges)
	packString(w, s.ChannelName)
	packString(w, s.UID)
}

func (s *RtcService) unpack(r io.Reader) error {
	var err error
	if s.Privileges, err = unpackMapUint32(r); err != nil {
		return err
	}
	if s.ChannelName, err = unpackString(r); err != nil {
		return err
	}
	s.UID, err = unpackString(r)
	return err
}

// RtmService grants signalling login for a user id.
type RtmService struct {
	Privileges map[uint16]uint32
	UserID     string
}

func NewRtmService(userID string) *RtmService {
	return &RtmService{Privileges: make(map[uint16]uint32), UserID: userID}
}

func (s *RtmService) Type() uint16 { return ServiceTypeRtm }

func (s *RtmService) AddPrivilege(p uint16, expire uint32) {
	s.Privileges[p] = expire
}

func (s *RtmService) pack(w *bytes.Buffer) {
	packUint16(w, s.Type())
	packMapUint32(w, s.Privileges)
	packString(w, s.UserID)
}

func (s *RtmService) unpack(r io.Reader) error {
	var err error
	if s.Privileges, err = unpackMapUint32(r); err != nil {
		return err
	}
	s.UserID, err = unpackString(r)
	return err
}

// BuildRTCToken builds a channel token. Publishers may send audio, video and
// data; subscribers may only join.
func BuildRTCToken(appID, appCertificate, channel string, uid uint32, role Role, tokenExpire, privilegeExpire uint32, now time.Time) (string, error) {
	if !ValidChannelName(channel) {
		return "", fmt.Errorf("invalid channel name %q", channel)
	}
	if tokenExpire == 0 {
		return "", fmt.Errorf("token expiry must be positive")
	}
	if role != RolePublisher && role != RoleSubscriber {
		return "", fmt.Errorf("invalid role %d", role)
	}

	t, err := NewAccessToken(appID, appCertificate, tokenExpire, now)
	if err != nil {
		return "", err
	}
	rtc := NewRtcService(channel, uid)
	rtc.AddPrivilege(PrivilegeJoinChannel, privilegeExpire)
	if role == RolePublisher {
		rtc.AddPrivilege(PrivilegePublishAudioStream, privilegeExpire)
		rtc.AddPrivilege(PrivilegePublishVideoStream, privilegeExpire)
		rtc.AddPrivilege(PrivilegePublishDataStream, privilegeExpire)
	}
	t.AddService(rtc)
	return t.Build()
}

// BuildRTMToken builds a signalling login token for userID.
func BuildRTMToken(appID, appCertificate, userID string, expire uint32, now time.Time) (string, error) {
	if userID == "" || len(userID) > 64 {
		return "", fmt.Errorf("user id must be 1-64 bytes")
	}
	if expire == 0 {
		return "", fmt.Errorf("token expiry must be positive")
	}
	t, err := NewAccessToken(appID, appCertificate, expire, now)
	if err != nil {
		return "", err
	}
	rtm := NewRtmService(userID)
	rtm.AddPrivilege(PrivilegeLogin, expire)
	t.AddService(rtm)
	return t.Build()
}
