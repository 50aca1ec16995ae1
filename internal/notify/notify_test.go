package notify

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	pkgerrors "videoflow/internal/pkg/errors"
	"videoflow/internal/pkg/logger"
)

type fakeSender struct {
	sent []*gomail.Message
	err  error
}

func (f *fakeSender) DialAndSend(m ...*gomail.Message) error {
	f.sent = append(f.sent, m...)
	return f.err
}

func sampleEmail() ApprovalEmail {
	return ApprovalEmail{
		To:         "approver@example.com",
		From:       "videoflow@example.com",
		Video:      "uploads/cat.mp4",
		ApproveURL: "http://localhost:8080/approvals/abc?result=Approved",
		RejectURL:  "http://localhost:8080/approvals/abc?result=Rejected",
	}
}

func TestSMTPSendsOneMessage(t *testing.T) {
	s := &fakeSender{}
	n := NewSMTPWithSender(s, logger.Nop())

	require.NoError(t, n.SendApprovalRequest(context.Background(), sampleEmail()))
	require.Len(t, s.sent, 1)

	msg := s.sent[0]
	assert.Equal(t, []string{ApprovalSubject}, msg.GetHeader("Subject"))
	assert.Equal(t, []string{"approver@example.com"}, msg.GetHeader("To"))

	var buf bytes.Buffer
	_, err := msg.WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Please review uploads/cat.mp4")
}

func TestSMTPSendFailureIsUnavailable(t *testing.T) {
	n := NewSMTPWithSender(&fakeSender{err: errors.New("connection refused")}, logger.Nop())
	err := n.SendApprovalRequest(context.Background(), sampleEmail())
	assert.Equal(t, pkgerrors.CodeUnavailable, pkgerrors.GetCode(err))
}

func TestValidation(t *testing.T) {
	n := NewLog(logger.Nop())
	email := sampleEmail()
	email.RejectURL = ""
	assert.True(t, pkgerrors.IsValidation(n.SendApprovalRequest(context.Background(), email)))

	email = sampleEmail()
	email.To = ""
	assert.True(t, pkgerrors.IsValidation(n.SendApprovalRequest(context.Background(), email)))

	assert.NoError(t, n.SendApprovalRequest(context.Background(), sampleEmail()))
}

func TestBodies(t *testing.T) {
	email := sampleEmail()
	email.Video = `<b>clip</b>.mp4`

	h := HTMLBody(email)
	assert.Contains(t, h, "&lt;b&gt;clip&lt;/b&gt;.mp4")
	assert.Contains(t, h, `href="http://localhost:8080/approvals/abc?result=Approved"`)
	assert.Contains(t, h, ">Reject</a>")

	p := PlainBody(email)
	assert.Contains(t, p, "Approve: http://localhost:8080/approvals/abc?result=Approved")
	assert.Contains(t, p, "Reject: http://localhost:8080/approvals/abc?result=Rejected")
}
