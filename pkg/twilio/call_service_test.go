package twilio

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeRestAPI struct {
	createParams *api.CreateCallParams
	createErr    error
	sid          string

	updatedSid    string
	updatedParams *api.UpdateCallParams
	updateErr     error
}

func (f *fakeRestAPI) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	f.createParams = params
	if f.createErr != nil {
		return nil, f.createErr
	}
	sid := f.sid
	return &api.ApiV2010Call{Sid: &sid}, nil
}

func (f *fakeRestAPI) UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error) {
	f.updatedSid = sid
	f.updatedParams = params
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	status := "completed"
	return &api.ApiV2010Call{Sid: &sid, Status: &status}, nil
}

func testService(fake *fakeRestAPI) *CallService {
	return &CallService{
		api:           fake,
		fromNumber:    "+15550001111",
		serverBaseURL: "https://dialer.example.com",
		enabled:       true,
	}
}

func TestPlaceCallEnablesMachineDetection(t *testing.T) {
	fake := &fakeRestAPI{sid: "CA123"}
	svc := testService(fake)

	sid, err := svc.PlaceCall(CallOptions{To: "+15552223333", SessionID: "s-1"})
	require.NoError(t, err)
	assert.Equal(t, "CA123", sid)

	p := fake.createParams
	require.NotNil(t, p)
	assert.Equal(t, "+15552223333", *p.To)
	assert.Equal(t, "+15550001111", *p.From)
	assert.Equal(t, "https://dialer.example.com/twiml/stream?session_id=s-1", *p.Url)
	assert.Equal(t, "https://dialer.example.com/call-status", *p.StatusCallback)
	assert.Equal(t, []string{
		"initiated", "ringing", "answered", "completed", "failed", "busy", "no-answer",
	}, *p.StatusCallbackEvent)
	assert.Equal(t, "Enable", *p.MachineDetection)
	assert.Equal(t, machineDetectionTimeoutSec, *p.MachineDetectionTimeout)
}

func TestPlaceCallRequiresDestination(t *testing.T) {
	svc := testService(&fakeRestAPI{sid: "CA123"})
	_, err := svc.PlaceCall(CallOptions{SessionID: "s-1"})
	require.Error(t, err)
}

func TestPlaceCallPropagatesProviderError(t *testing.T) {
	fake := &fakeRestAPI{createErr: errors.New("rate limited")}
	svc := testService(fake)
	_, err := svc.PlaceCall(CallOptions{To: "+15552223333"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestDisabledServiceFailsCleanly(t *testing.T) {
	svc := NewCallService("", "", "+15550001111", "https://dialer.example.com")
	assert.False(t, svc.IsEnabled())

	_, err := svc.PlaceCall(CallOptions{To: "+15552223333"})
	require.Error(t, err)
	require.Error(t, svc.Hangup("CA123"))
}

func TestHangupSetsCompletedStatus(t *testing.T) {
	fake := &fakeRestAPI{}
	svc := testService(fake)

	require.NoError(t, svc.Hangup("CA456"))
	assert.Equal(t, "CA456", fake.updatedSid)
	require.NotNil(t, fake.updatedParams)
	assert.Equal(t, "completed", *fake.updatedParams.Status)
}

func TestStreamTwiMLConnectsSessionStream(t *testing.T) {
	doc, err := StreamTwiML("wss://dialer.example.com/media-stream", "s-42")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(doc, "<?xml"))
	assert.Contains(t, doc, "<Say>Connecting you now, one moment please.</Say>")
	assert.Contains(t, doc, "<Connect>")
	assert.Contains(t, doc, `<Stream url="wss://dialer.example.com/media-stream">`)
	assert.Contains(t, doc, `<Parameter name="session_id" value="s-42">`)
}

func TestHangupTwiML(t *testing.T) {
	doc, err := HangupTwiML()
	require.NoError(t, err)
	assert.Contains(t, doc, "<Hangup>")
	assert.NotContains(t, doc, "<Connect>")
}
