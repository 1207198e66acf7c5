package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	"github.com/merchward/bastion/internal/models"
	"github.com/merchward/bastion/pkg/logger"
)

// Notifier delivers one-time codes to account holders. The code value passes
// through here exactly once and is never persisted in plaintext.
type Notifier interface {
	SendCode(ctx context.Context, recipient, purpose, code string) error
}

// SESNotifier sends code emails through AWS SES.
type SESNotifier struct {
	sesClient   *ses.Client
	fromAddress string
	logger      *slog.Logger
}

func NewSESNotifier(ctx context.Context, region, fromAddress string, log *slog.Logger) (*SESNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SESNotifier{
		sesClient:   ses.NewFromConfig(cfg),
		fromAddress: fromAddress,
		logger:      log,
	}, nil
}

func (s *SESNotifier) SendCode(ctx context.Context, recipient, purpose, code string) error {
	subject, intro := codeEmailCopy(purpose)

	htmlBody := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h1>%s</h1>
        <p>%s</p>
        <p style="font-size: 28px; letter-spacing: 6px; font-weight: bold;">%s</p>
        <p>This code expires in %d minutes and can be used once.</p>
        <p>If you did not request this code, you can ignore this email. Consider
        changing your password if these emails keep arriving.</p>
    </div>
</body>
</html>
`, subject, intro, code, int(models.EmailCodeTTL.Minutes()))

	textBody := fmt.Sprintf(`%s

%s

    %s

This code expires in %d minutes and can be used once.

If you did not request this code, you can ignore this email. Consider changing
your password if these emails keep arriving.
`, subject, intro, code, int(models.EmailCodeTTL.Minutes()))

	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{recipient},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String(subject),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data: aws.String(htmlBody),
				},
				Text: &types.Content{
					Data: aws.String(textBody),
				},
			},
		},
	}

	result, err := s.sesClient.SendEmail(ctx, input)
	if err != nil {
		s.logger.Error("failed to send code email via SES",
			slog.String("email", logger.SanitizedEmail(recipient)),
			slog.String("purpose", purpose),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("code email sent",
		slog.String("email", logger.SanitizedEmail(recipient)),
		slog.String("purpose", purpose),
		slog.String("message_id", aws.ToString(result.MessageId)))

	return nil
}

func codeEmailCopy(purpose string) (subject, intro string) {
	switch purpose {
	case models.CodePurposePasswordReset:
		return "Reset your password",
			"Use this code to reset your account password:"
	case models.CodePurposeEmailVerify:
		return "Verify your email address",
			"Use this code to verify your email address:"
	default:
		return "Your sign-in code",
			"Use this code to finish signing in:"
	}
}

// LogNotifier writes codes to the log instead of sending mail. Development
// only; the code value appears in log output.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: log}
}

func (s *LogNotifier) SendCode(ctx context.Context, recipient, purpose, code string) error {
	s.logger.Info("one-time code issued (email delivery disabled)",
		slog.String("email", logger.SanitizedEmail(recipient)),
		slog.String("purpose", purpose),
		slog.String("code", code))
	return nil
}
