// Package templates renders the HTML body for abnormal capture alerts.
package templates

import (
	"bytes"
	"html/template"
	"log"
)

// AlertEmailProps carries everything the abnormal alert email shows.
type AlertEmailProps struct {
	DeviceID   string
	RecordID   string
	CapturedAt string
	Reason     string
	Confidence string
	DetailURL  string
}

var alertTemplate = template.Must(template.New("abnormalAlert").Parse(`<!doctype html>
<html>
  <body style="background-color: #f6f6f6; font-family: Helvetica, sans-serif; font-size: 16px; margin: 0; padding: 24px;">
    <div style="background: #ffffff; border-radius: 4px; max-width: 580px; margin: 0 auto; padding: 24px;">
      <h2 style="color: #c0392b; margin-top: 0;">Abnormal capture detected</h2>
      <p style="margin: 0 0 16px;">Device <strong>{{.DeviceID}}</strong> reported an abnormal capture at {{.CapturedAt}}.</p>
      <table role="presentation" style="border-collapse: collapse; width: 100%; margin-bottom: 16px;">
        <tr>
          <td style="padding: 4px 8px; color: #666;">Record</td>
          <td style="padding: 4px 8px;">{{.RecordID}}</td>
        </tr>
        <tr>
          <td style="padding: 4px 8px; color: #666;">Confidence</td>
          <td style="padding: 4px 8px;">{{.Confidence}}</td>
        </tr>
        {{if .Reason}}
        <tr>
          <td style="padding: 4px 8px; color: #666;">Reason</td>
          <td style="padding: 4px 8px;">{{.Reason}}</td>
        </tr>
        {{end}}
      </table>
      {{if .DetailURL}}
      <a href="{{.DetailURL}}" target="_blank" style="background-color: #c0392b; border-radius: 4px; color: #ffffff; display: inline-block; font-weight: bold; padding: 12px 24px; text-decoration: none;">View capture</a>
      {{end}}
    </div>
  </body>
</html>`))

// GetAlertEmailContent renders the abnormal alert body.
func GetAlertEmailContent(props AlertEmailProps) string {
	var buf bytes.Buffer
	if err := alertTemplate.Execute(&buf, props); err != nil {
		log.Printf("Error executing alert email template: %v", err)
		return ""
	}
	return buf.String()
}
