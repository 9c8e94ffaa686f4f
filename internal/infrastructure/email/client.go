// Package email sends abnormal capture alert emails through Resend.
package email

import (
	"fmt"
	"os"
	"strings"

	"github.com/resendlabs/resend-go"

	"github.com/okmonitor/okmonitor-go/internal/domain/capture"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/email/templates"
	"github.com/okmonitor/okmonitor-go/internal/infrastructure/observability/logging"
)

// Service sends alert notifications. The interface allows a mock in tests.
type Service interface {
	SendAbnormalAlert(record capture.Record) error
}

// ResendClient is the concrete Service backed by the Resend API.
type ResendClient struct {
	client     *resend.Client
	fromEmail  string
	fromName   string
	recipients []string
	uiBaseURL  string
	logger     *logging.ChanneledLogger
}

// NewService creates the alert email client. The RESEND_API_KEY
// environment variable must be set; recipients is a comma-separated list.
func NewService(fromEmail, recipients, uiBaseURL string, logger *logging.ChanneledLogger) (Service, error) {
	apiKey := os.Getenv("RESEND_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("RESEND_API_KEY environment variable is required")
	}

	var to []string
	for _, addr := range strings.Split(recipients, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}
	if len(to) == 0 {
		return nil, fmt.Errorf("no alert email recipients configured")
	}

	return &ResendClient{
		client:     resend.NewClient(apiKey),
		fromEmail:  fromEmail,
		fromName:   "OK Monitor",
		recipients: to,
		uiBaseURL:  strings.TrimRight(uiBaseURL, "/"),
		logger:     logger,
	}, nil
}

// SendAbnormalAlert composes and sends the abnormal capture notification.
func (c *ResendClient) SendAbnormalAlert(record capture.Record) error {
	confidence := "n/a"
	if record.Confidence != nil {
		confidence = fmt.Sprintf("%.0f%%", *record.Confidence*100)
	}

	detailURL := ""
	if c.uiBaseURL != "" {
		detailURL = fmt.Sprintf("%s/captures/%s", c.uiBaseURL, record.RecordID)
	}

	htmlContent := templates.GetAlertEmailContent(templates.AlertEmailProps{
		DeviceID:   record.DeviceID,
		RecordID:   record.RecordID,
		CapturedAt: record.CapturedAt.UTC().Format("2006-01-02 15:04:05 UTC"),
		Reason:     record.Reason,
		Confidence: confidence,
		DetailURL:  detailURL,
	})

	params := &resend.SendEmailRequest{
		From:    fmt.Sprintf("%s <%s>", c.fromName, c.fromEmail),
		To:      c.recipients,
		Subject: fmt.Sprintf("Abnormal capture on %s", record.DeviceID),
		Html:    htmlContent,
	}

	_, err := c.client.Emails.Send(params)
	if err != nil {
		return fmt.Errorf("failed to send abnormal alert via Resend: %w", err)
	}

	c.logger.Email().Info("Abnormal alert sent",
		"deviceId", record.DeviceID, "recordId", record.RecordID, "recipients", len(c.recipients))
	return nil
}
