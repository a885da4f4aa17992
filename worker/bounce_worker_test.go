package worker

import (
	"context"
	"strings"
	"testing"

	"etatdeslieux/config"
	"etatdeslieux/models"
	"etatdeslieux/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const postfixBounce = `From: Mail Delivery System <MAILER-DAEMON@mx.example.fr>
To: newsletter@agence.example.fr
Subject: Undelivered Mail Returned to Sender
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status; boundary="BOUNDARY"

--BOUNDARY
Content-Type: text/plain

This is the mail system at host mx.example.fr.

--BOUNDARY
Content-Type: message/delivery-status

Reporting-MTA: dns; mx.example.fr

Final-Recipient: rfc822; bob@example.fr
Original-Recipient: rfc822;bob@example.fr
Action: failed
Status: 5.1.1
Diagnostic-Code: smtp; 550 5.1.1 <bob@example.fr>: Recipient address rejected

--BOUNDARY
Content-Type: text/rfc822-headers

From: Agence <newsletter@agence.example.fr>
To: bob@example.fr
Subject: Nouveaux biens
X-Campaign-Id: c1

--BOUNDARY--
`

const eximBounce = `From: Mail Delivery System <Mailer-Daemon@relay.example.com>
To: newsletter@agence.example.fr
Subject: Mail delivery failed: returning message to sender
X-Failed-Recipients: <claire@example.com>
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="EXIM"

--EXIM
Content-Type: text/plain

This message was created automatically by mail delivery software.

--EXIM
Content-Type: message/rfc822

From: Agence <newsletter@agence.example.fr>
To: claire@example.com
X-Campaign-Id: printemps-2024
Subject: Nouveaux biens

<p>Bonjour</p>
--EXIM--
`

const delayedBounce = `From: MAILER-DAEMON@mx.example.fr
To: newsletter@agence.example.fr
Subject: Delayed Mail (still being retried)
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status; boundary="B"

--B
Content-Type: message/delivery-status

Final-Recipient: rfc822; lent@example.fr
Action: delayed
Status: 4.4.1

--B
Content-Type: text/rfc822-headers

X-Campaign-Id: c1
--B--
`

const multiRecipientBounce = `From: MAILER-DAEMON@mx.example.fr
To: newsletter@agence.example.fr
Subject: Undelivered Mail Returned to Sender
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status; boundary="M"

--M
Content-Type: message/delivery-status

Reporting-MTA: dns; mx.example.fr

Final-Recipient: rfc822; inconnu@example.fr
Action: failed
Status: 5.1.1
Diagnostic-Code: smtp; 550 5.1.1 user unknown

Final-Recipient: rfc822; lent@example.fr
Action: delayed
Status: 4.4.1

--M
Content-Type: text/rfc822-headers

X-Campaign-Id: c1
--M--
`

const plainMessage = `From: locataire@example.fr
To: newsletter@agence.example.fr
Subject: Re: Nouveaux biens
Content-Type: text/plain

Merci, je suis intéressé.
`

func TestParseBounce(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Bounce
	}{
		{
			name: "postfix dsn",
			raw:  postfixBounce,
			want: Bounce{
				Recipient:  "bob@example.fr",
				CampaignID: "c1",
				Reason:     "550 5.1.1 <bob@example.fr>: Recipient address rejected",
			},
		},
		{
			name: "exim failed recipients",
			raw:  eximBounce,
			want: Bounce{
				Recipient:  "claire@example.com",
				CampaignID: "printemps-2024",
				Reason:     "bounce",
			},
		},
		{
			name: "delayed",
			raw:  delayedBounce,
			want: Bounce{
				Recipient:  "lent@example.fr",
				CampaignID: "c1",
				Reason:     "status 4.4.1",
				Delayed:    true,
			},
		},
		{
			name: "first recipient block wins",
			raw:  multiRecipientBounce,
			want: Bounce{
				Recipient:  "inconnu@example.fr",
				CampaignID: "c1",
				Reason:     "550 5.1.1 user unknown",
			},
		},
		{
			name: "failed recipients header selects block",
			raw:  strings.Replace(multiRecipientBounce, "Subject:", "X-Failed-Recipients: lent@example.fr\nSubject:", 1),
			want: Bounce{
				Recipient:  "lent@example.fr",
				CampaignID: "c1",
				Reason:     "status 4.4.1",
				Delayed:    true,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseBounce(strings.NewReader(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestParseBounceIgnoresRegularMail(t *testing.T) {
	_, err := ParseBounce(strings.NewReader(plainMessage))
	assert.ErrorIs(t, err, ErrNotBounce)
}

func newTestWorker(t *testing.T) (*BounceWorker, *store.RedisStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	s := store.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() {
		s.Close()
		mr.Close()
	})
	return NewBounceWorker(config.IMAPConfig{Mailbox: "INBOX"}, s), s
}

func TestHandleMessageRecordsBounces(t *testing.T) {
	ctx := context.Background()
	w, s := newTestWorker(t)

	assert.True(t, w.HandleMessage(ctx, strings.NewReader(postfixBounce)))
	assert.True(t, w.HandleMessage(ctx, strings.NewReader(delayedBounce)))
	assert.True(t, w.HandleMessage(ctx, strings.NewReader(plainMessage)))

	failed, err := s.ListBucket(ctx, "c1", models.BucketFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "bob@example.fr", failed[0].Email)
	assert.Contains(t, failed[0].Reason, "Recipient address rejected")

	pending, err := s.ListBucket(ctx, "c1", models.BucketPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "lent@example.fr", pending[0].Email)
}

func TestHandleMessageKeepsUnseenOnStoreError(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	s := store.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer s.Close()
	mr.Close()

	w := NewBounceWorker(config.IMAPConfig{Mailbox: "INBOX"}, s)

	assert.False(t, w.HandleMessage(context.Background(), strings.NewReader(postfixBounce)))
}
