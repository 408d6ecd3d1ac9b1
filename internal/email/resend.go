package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"time"

	"entitlesys/internal/models"
)

var (
	ErrEmailNotConfigured = errors.New("email service not configured")
	ErrSendFailed         = errors.New("failed to send email")
)

const resendEndpoint = "https://api.resend.com/emails"

// ResendClient Resend 邮件服务客户端
type ResendClient struct {
	apiKey   string
	endpoint string
	http     *http.Client
}

func NewResendClient(apiKey string, timeout time.Duration) *ResendClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ResendClient{
		apiKey:   apiKey,
		endpoint: resendEndpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

// WithEndpoint 替换 API 地址，测试时指向本地服务
func (c *ResendClient) WithEndpoint(endpoint string) *ResendClient {
	c.endpoint = endpoint
	return c
}

func (c *ResendClient) IsConfigured() bool {
	return c.apiKey != ""
}

type sendEmailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// SendEmail 发送邮件
func (c *ResendClient) SendEmail(ctx context.Context, fromEmail, to, subject, htmlContent string) error {
	if !c.IsConfigured() || fromEmail == "" {
		return ErrEmailNotConfigured
	}

	jsonData, err := json.Marshal(sendEmailRequest{
		From:    fromEmail,
		To:      []string{to},
		Subject: subject,
		HTML:    htmlContent,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: status code %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}

// TrialReminder 一封待发送的试用提醒
type TrialReminder struct {
	AccountID int64
	Email     string
	Kind      models.NotificationKind
	DaysLeft  int
	ExpiresAt time.Time
}

// SendTrialReminder 按提醒类型渲染并发送邮件
func (c *ResendClient) SendTrialReminder(ctx context.Context, fromEmail string, r TrialReminder) error {
	subject, body := renderTrialReminder(r)
	return c.SendEmail(ctx, fromEmail, r.Email, subject, body)
}

func renderTrialReminder(r TrialReminder) (string, string) {
	var subject, title, description string
	switch r.Kind {
	case models.NotificationTrialEndingSoon:
		subject = fmt.Sprintf("Your trial ends in %d day(s)", r.DaysLeft)
		title = "Your trial is ending soon"
		description = fmt.Sprintf("Your trial ends on %s. Choose a plan to keep your workflows running.",
			r.ExpiresAt.UTC().Format("January 2, 2006"))
	case models.NotificationTrialExpired:
		subject = "Your trial has ended"
		title = "Your trial has ended"
		description = "Usage is now limited to the free tier. Upgrade any time to restore full access."
	default:
		subject = "Your account"
		title = "Account update"
		description = "There is an update to your account."
	}

	body := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>%s</title>
</head>
<body style="margin: 0; padding: 0; font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif; background-color: #f4f4f4;">
    <table role="presentation" style="width: 600px; margin: 40px auto; background-color: #ffffff; border-radius: 8px;">
        <tr>
            <td style="padding: 40px 40px 20px 40px; text-align: center;">
                <h1 style="margin: 0; color: #333333; font-size: 24px;">%s</h1>
            </td>
        </tr>
        <tr>
            <td style="padding: 0 40px 40px 40px; text-align: center;">
                <p style="margin: 0; color: #666666; font-size: 16px; line-height: 1.5;">%s</p>
            </td>
        </tr>
    </table>
</body>
</html>
`, html.EscapeString(subject), html.EscapeString(title), html.EscapeString(description))
	return subject, body
}
