package mailer

import (
	"bytes"
	"html/template"
)

var layout = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; background-color: #f9f9f9; color: #333333;">
  <div style="max-width: 600px; margin: 20px auto; padding: 20px; background-color: #ffffff; border-radius: 8px;">
    <h1>{{.Heading}}</h1>
    <p>{{.Intro}}</p>
    {{if .Code}}<p style="font-size: 24px; font-weight: bold; letter-spacing: 4px;">{{.Code}}</p>{{end}}
    {{if .Link}}<p><a href="{{.Link}}">{{.Action}}</a></p>
    <p>If the button does not work, copy this link into your browser:<br>{{.Link}}</p>{{end}}
    <p>{{.Outro}}</p>
  </div>
</body>
</html>`))

type view struct {
	Heading, Intro, Code, Link, Action, Outro string
}

func render(v view) string {
	var buf bytes.Buffer
	// The template is static and every field is a string, so Execute
	// cannot fail.
	_ = layout.Execute(&buf, v)
	return buf.String()
}

// VerificationEmail carries the email verification link.
func VerificationEmail(to, link string) Message {
	return Message{
		To:      to,
		Subject: "Action Required: Verify Your Email for Dev Auth",
		Body: render(view{
			Heading: "Verify your email",
			Intro:   "Thanks for signing up. Confirm your email address to finish setting up your account.",
			Link:    link,
			Action:  "Verify email",
			Outro:   "This link expires in 5 minutes. If you did not sign up, ignore this email.",
		}),
	}
}

// OTPEmail carries a one-time code for login or MFA setup.
func OTPEmail(to, code string) Message {
	return Message{
		To:      to,
		Subject: "Your OTP for Verification on Dev Auth",
		Body: render(view{
			Heading: "Your one-time code",
			Intro:   "Use this code to continue:",
			Code:    code,
			Outro:   "The code expires in 5 minutes. Never share it with anyone.",
		}),
	}
}

// MagicLinkEmail carries a passwordless login link.
func MagicLinkEmail(to, link string) Message {
	return Message{
		To:      to,
		Subject: "Your Magic Link for Dev Auth",
		Body: render(view{
			Heading: "Sign in to Dev Auth",
			Intro:   "Click the link below to sign in. No password needed.",
			Link:    link,
			Action:  "Sign in",
			Outro:   "This link expires in 15 minutes and can be used once.",
		}),
	}
}

// PasswordResetEmail carries a password reset link.
func PasswordResetEmail(to, link string) Message {
	return Message{
		To:      to,
		Subject: "Your Password Reset Link for Dev Auth",
		Body: render(view{
			Heading: "Reset your password",
			Intro:   "We received a request to reset your password.",
			Link:    link,
			Action:  "Reset password",
			Outro:   "This link expires in 15 minutes. If you did not ask for a reset, ignore this email.",
		}),
	}
}
