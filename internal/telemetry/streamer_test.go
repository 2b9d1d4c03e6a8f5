package telemetry

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestFilterMessageRedactsByClearance(t *testing.T) {
	msg := &PoseMessage{
		Timestamp:      time.Now(),
		CovarianceDiag: []float64{1, 2, 3},
		Extrinsics:     &Extrinsics{},
	}

	public := filterMessage(msg, ClearancePublic)
	if public.CovarianceDiag != nil || public.Extrinsics != nil {
		t.Fatal("public clearance must see neither covariance nor extrinsics")
	}

	operator := filterMessage(msg, ClearanceOperator)
	if operator.CovarianceDiag != nil {
		t.Fatal("operator clearance must not see covariance")
	}
	if operator.Extrinsics == nil {
		t.Fatal("operator clearance must see extrinsics")
	}

	engineer := filterMessage(msg, ClearanceEngineer)
	if engineer.CovarianceDiag == nil || engineer.Extrinsics == nil {
		t.Fatal("engineer clearance must see both covariance and extrinsics")
	}
}

func TestValidateClearanceDefaultsToPublicOnBadToken(t *testing.T) {
	s := NewStreamer([]byte("test-secret"), nil)

	if got := s.validateClearance(""); got != ClearancePublic {
		t.Fatalf("empty token clearance = %v, want ClearancePublic", got)
	}
	if got := s.validateClearance("not-a-jwt"); got != ClearancePublic {
		t.Fatalf("malformed token clearance = %v, want ClearancePublic", got)
	}
}

func TestValidateClearanceHonorsSignedClaim(t *testing.T) {
	secret := []byte("test-secret")
	s := NewStreamer(secret, nil)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, clearanceClaims{
		Clearance: int(ClearanceEngineer),
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	if got := s.validateClearance(signed); got != ClearanceEngineer {
		t.Fatalf("clearance = %v, want ClearanceEngineer", got)
	}
}
