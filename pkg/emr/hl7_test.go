package emr

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"
)

// startHL7Stub listens on an ephemeral port, reads one MLLP-framed request,
// and writes back an MLLP-framed response carrying a PID segment for
// patientID.
func startHL7Stub(t *testing.T, patientID string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		reader := bufio.NewReader(conn)
		if _, err := reader.ReadString(mllpEnd2); err != nil {
			return
		}

		resp := "MSH|^~\\&|EMR|EMR|SYNCENGINE|CLINISYNC|20240101000000||RSP^K22^RSP_K21|1|P|2.5\r" +
			"PID|1||" + patientID + "^^^MRN||Doe^Jane\r"
		framed := append([]byte{mllpStart}, []byte(resp)...)
		framed = append(framed, mllpEnd1, mllpEnd2)
		conn.Write(framed)
	}()

	return ln.Addr().String()
}

func TestHL7ClientQueryPatientParsesPID(t *testing.T) {
	addr := startHL7Stub(t, "HL7-PAT-1")
	client := &HL7Client{Addr: addr, DialTimeout: 2 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rec, err := client.QueryPatient(ctx, "HL7-PAT-1")
	if err != nil {
		t.Fatalf("QueryPatient() error = %v", err)
	}
	if rec.PatientID != "HL7-PAT-1" {
		t.Errorf("PatientID = %q, want HL7-PAT-1", rec.PatientID)
	}
}

func TestHL7ClientDialFailureIsNetworkError(t *testing.T) {
	client := &HL7Client{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if _, err := client.QueryPatient(ctx, "x"); err == nil {
		t.Fatal("QueryPatient() error = nil, want dial failure")
	}
}
