// Package twilio wraps the Twilio REST API for outbound call control:
// placing calls with machine detection enabled and hanging them up.
package twilio

import (
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"github.com/ClareAI/astra-dialer/pkg/logger"
)

// machineDetectionTimeoutSec bounds how long Twilio's AMD listens before
// reporting "unknown". Keep it short; the local detector covers the rest.
const machineDetectionTimeoutSec = 3

// restAPI is the slice of the Twilio SDK the service uses.
type restAPI interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

// CallOptions carries per-call parameters for PlaceCall.
type CallOptions struct {
	To        string
	SessionID string
}

// CallService places and ends outbound calls. When credentials are missing
// the service is disabled and every operation fails cleanly, mirroring how
// the rest of the process degrades without provider access.
type CallService struct {
	api           restAPI
	fromNumber    string
	serverBaseURL string
	enabled       bool
}

// NewCallService builds a service from account credentials. serverBaseURL is
// the public HTTPS base Twilio uses to reach our TwiML and status webhooks.
func NewCallService(accountSID, authToken, fromNumber, serverBaseURL string) *CallService {
	if accountSID == "" || authToken == "" {
		logger.Base().Warn("Twilio credentials not provided, call service disabled")
		return &CallService{enabled: false}
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &CallService{
		api:           client.Api,
		fromNumber:    fromNumber,
		serverBaseURL: strings.TrimRight(serverBaseURL, "/"),
		enabled:       true,
	}
}

// IsEnabled returns whether the service has provider credentials.
func (s *CallService) IsEnabled() bool {
	return s.enabled
}

// PlaceCall starts an outbound call with answering machine detection
// enabled and status callbacks for every lifecycle stage. It returns the
// provider call SID.
func (s *CallService) PlaceCall(opts CallOptions) (string, error) {
	if !s.enabled {
		return "", fmt.Errorf("twilio: call service is disabled")
	}
	if opts.To == "" {
		return "", fmt.Errorf("twilio: destination number is required")
	}

	params := &api.CreateCallParams{}
	params.SetTo(opts.To)
	params.SetFrom(s.fromNumber)
	params.SetUrl(fmt.Sprintf("%s/twiml/stream?session_id=%s", s.serverBaseURL, opts.SessionID))
	params.SetMethod("POST")
	params.SetStatusCallback(s.serverBaseURL + "/call-status")
	params.SetStatusCallbackMethod("POST")
	params.SetStatusCallbackEvent([]string{
		"initiated", "ringing", "answered", "completed", "failed", "busy", "no-answer",
	})
	params.SetMachineDetection("Enable")
	params.SetMachineDetectionTimeout(machineDetectionTimeoutSec)

	resp, err := s.api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("twilio: create call to %s failed: %w", opts.To, err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("twilio: create call returned no SID")
	}

	logger.Base().Info("outbound call placed",
		zap.String("call_sid", *resp.Sid),
		zap.String("to", opts.To))
	return *resp.Sid, nil
}

// Hangup ends a live call by setting its status to completed. Twilio treats
// this as idempotent: completing an already-completed call is a no-op.
func (s *CallService) Hangup(callSid string) error {
	if !s.enabled {
		return fmt.Errorf("twilio: call service is disabled")
	}
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := s.api.UpdateCall(callSid, params); err != nil {
		return fmt.Errorf("twilio: hangup %s failed: %w", callSid, err)
	}
	logger.Base().Info("call hangup requested", zap.String("call_sid", callSid))
	return nil
}
