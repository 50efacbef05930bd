package outbound

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/lexcab/dossiermail/internal/message"
	"github.com/lexcab/dossiermail/internal/model"
)

var sentAt = time.Date(2024, 4, 2, 10, 30, 0, 0, time.UTC)

func TestCompose(t *testing.T) {
	raw, err := Compose("Cabinet <cabinet@mail.fr>", Mail{
		To:      "Jean Dupont <jean.dupont@mail.fr>, marie@mail.fr",
		Subject: "Votre dossier CC-2024-0153",
		Body:    "Bonjour, l'expertise est fixée au 3 mai.",
	}, sentAt)
	if err != nil {
		t.Fatal(err)
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if subject, _ := mr.Header.Subject(); subject != "Votre dossier CC-2024-0153" {
		t.Errorf("Subject = %q", subject)
	}
	if date, _ := mr.Header.Date(); !date.Equal(sentAt) {
		t.Errorf("Date = %v, want %v", date, sentAt)
	}
	if id, _ := mr.Header.MessageID(); id == "" {
		t.Error("no Message-Id")
	}
	from, _ := mr.Header.AddressList("From")
	to, _ := mr.Header.AddressList("To")
	var got []string
	for _, a := range append(from, to...) {
		got = append(got, a.Address)
	}
	want := []string{"cabinet@mail.fr", "jean.dupont@mail.fr", "marie@mail.fr"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("addresses mismatch (-want +got):\n%s", diff)
	}

	p, err := mr.NextPart()
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(p.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "Bonjour, l'expertise est fixée au 3 mai." {
		t.Errorf("body = %q", body)
	}
}

func TestComposeRejectsBadAddresses(t *testing.T) {
	cases := []struct {
		from, to string
	}{
		{"cabinet@mail.fr", ""},
		{"cabinet@mail.fr", "not an address"},
		{"", "a@b.fr"},
	}
	for _, tc := range cases {
		if _, err := Compose(tc.from, Mail{To: tc.to}, sentAt); err == nil {
			t.Errorf("Compose(%q, %q) succeeded", tc.from, tc.to)
		}
	}
}

type fakeProvider struct {
	raw []byte
	err error
}

func (f *fakeProvider) Send(_ context.Context, raw []byte) (message.ID, error) {
	if f.err != nil {
		return message.ID{}, f.err
	}
	f.raw = raw
	return message.ID{PermID: "out-1", ThreadID: "thr-1"}, nil
}

type fakeStore struct {
	records []model.EmailRecord
}

func (f *fakeStore) InsertEmail(_ context.Context, e *model.EmailRecord) error {
	f.records = append(f.records, *e)
	return nil
}

func TestSendRecordsEmail(t *testing.T) {
	provider, store := &fakeProvider{}, &fakeStore{}
	s := NewSender(provider, store, "cabinet@mail.fr", zerolog.Nop())
	s.now = func() time.Time { return sentAt }

	rec, err := s.Send(context.Background(), Mail{
		To:        "jean.dupont@mail.fr",
		Subject:   "Convocation",
		Body:      "RDV le 3 mai",
		DossierID: "d1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(provider.raw) == 0 {
		t.Fatal("nothing sent")
	}
	dossier := "d1"
	want := model.EmailRecord{
		Direction:  model.DirectionSent,
		DossierID:  &dossier,
		From:       "cabinet@mail.fr",
		To:         "jean.dupont@mail.fr",
		Subject:    "Convocation",
		Preview:    "RDV le 3 mai",
		ExternalID: "out-1",
		ThreadID:   "thr-1",
		Read:       true,
		SentAt:     sentAt,
	}
	if diff := cmp.Diff([]model.EmailRecord{want}, store.records); diff != "" {
		t.Errorf("recorded emails mismatch (-want +got):\n%s", diff)
	}
	if rec.AutoMatched || rec.ClientID != nil {
		t.Errorf("record = %+v", rec)
	}
}

func TestSendProviderFailure(t *testing.T) {
	failure := errors.New("503")
	store := &fakeStore{}
	s := NewSender(&fakeProvider{err: failure}, store, "cabinet@mail.fr", zerolog.Nop())
	if _, err := s.Send(context.Background(), Mail{To: "a@b.fr"}); errors.Cause(err) != failure {
		t.Errorf("Send() error = %v, want %v", err, failure)
	}
	if len(store.records) != 0 {
		t.Error("recorded a message that was not sent")
	}
}
