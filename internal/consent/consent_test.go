package consent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestGrantAndRevoke(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	store := &Store{pool: mock}

	mock.ExpectExec("INSERT INTO consents").
		WithArgs("hash1", "SMS_REPLY_YES").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	if err := store.Grant(context.Background(), "hash1"); err != nil {
		t.Fatalf("grant: %v", err)
	}

	mock.ExpectExec("INSERT INTO consents").
		WithArgs("hash1", "REVOKED_STOP").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	if err := store.Revoke(context.Background(), "hash1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	store := &Store{pool: mock}

	mock.ExpectQuery("SELECT phone_hash").
		WithArgs("absent").
		WillReturnError(pgx.ErrNoRows)
	if _, err := store.Get(context.Background(), "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordGiven(t *testing.T) {
	now := time.Now()
	cases := []struct {
		rec  Record
		want bool
	}{
		{Record{ConsentGiven: true}, true},
		{Record{ConsentGiven: true, RevokedAt: &now}, false},
		{Record{ConsentGiven: false}, false},
	}
	for i, c := range cases {
		if got := c.rec.Given(); got != c.want {
			t.Errorf("case %d: Given() = %v, want %v", i, got, c.want)
		}
	}
}

func TestStatusLabel(t *testing.T) {
	now := time.Now()
	if got := StatusLabel(Record{}, ErrNotFound); got != "none" {
		t.Fatalf("expected none, got %s", got)
	}
	if got := StatusLabel(Record{ConsentGiven: true}, nil); got != "given" {
		t.Fatalf("expected given, got %s", got)
	}
	if got := StatusLabel(Record{ConsentGiven: false, RevokedAt: &now}, nil); got != "revoked" {
		t.Fatalf("expected revoked, got %s", got)
	}
	if got := StatusLabel(Record{}, nil); got != "declined" {
		t.Fatalf("expected declined, got %s", got)
	}
}
