package emr

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	apperrors "github.com/clinisync/sync-emr-engine/pkg/shared/errors"
)

const (
	mllpStart = 0x0B
	mllpEnd1  = 0x1C
	mllpEnd2  = 0x0D
)

// PatientRecord is the subset of an HL7 PID segment the FHIR cross-check
// needs (spec.md §4.8: "verifies that identifiers match across protocols").
type PatientRecord struct {
	PatientID   string
	Identifiers []string
}

// HL7Client exchanges MLLP-framed HL7 v2 messages over TCP with an EMR
// endpoint (spec.md §6: "TLS required in production; messages framed per
// MLLP").
type HL7Client struct {
	Addr        string
	TLSConfig   *tls.Config // nil outside production
	DialTimeout time.Duration
}

// QueryPatient sends an HL7 v2 QBP^Q22 (find-candidates) query and parses
// the PID segment of the response.
func (c *HL7Client) QueryPatient(ctx context.Context, patientID string) (PatientRecord, error) {
	resp, err := c.send(ctx, buildQBP(patientID))
	if err != nil {
		return PatientRecord{}, err
	}
	return parsePID(resp), nil
}

func (c *HL7Client) send(ctx context.Context, msg string) (string, error) {
	dialer := net.Dialer{Timeout: c.dialTimeout()}

	var conn net.Conn
	var err error
	if c.TLSConfig != nil {
		conn, err = tls.DialWithDialer(&dialer, "tcp", c.Addr, c.TLSConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", c.Addr)
	}
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindNetwork, "hl7_client", "dial").WithResource(c.Addr)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	framed := append([]byte{mllpStart}, []byte(msg)...)
	framed = append(framed, mllpEnd1, mllpEnd2)
	if _, err := conn.Write(framed); err != nil {
		return "", apperrors.Wrap(err, apperrors.KindNetwork, "hl7_client", "write").WithResource(c.Addr)
	}

	reader := bufio.NewReader(conn)
	resp, err := reader.ReadString(mllpEnd2)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindNetwork, "hl7_client", "read").WithResource(c.Addr)
	}
	return strings.Trim(resp, string([]byte{mllpStart, mllpEnd1, mllpEnd2})), nil
}

func (c *HL7Client) dialTimeout() time.Duration {
	if c.DialTimeout <= 0 {
		return 10 * time.Second
	}
	return c.DialTimeout
}

// buildQBP composes a minimal HL7 v2.5 QBP^Q22 query for patientID.
func buildQBP(patientID string) string {
	ts := time.Now().Format("20060102150405")
	return fmt.Sprintf(
		"MSH|^~\\&|SYNCENGINE|CLINISYNC|EMR|EMR|%s||QBP^Q22^QBP_Q21|%s|P|2.5\rQPD|Q22^Find Candidates|%s|@PID.3^%s\r",
		ts, patientID, patientID, patientID,
	)
}

// parsePID extracts the PID segment's patient identifier from an HL7
// response message.
func parsePID(msg string) PatientRecord {
	rec := PatientRecord{}
	for _, seg := range strings.Split(msg, "\r") {
		if !strings.HasPrefix(seg, "PID") {
			continue
		}
		fields := strings.Split(seg, "|")
		if len(fields) > 3 {
			rec.PatientID = firstComponent(fields[3])
			rec.Identifiers = append(rec.Identifiers, fields[3])
		}
	}
	return rec
}

func firstComponent(field string) string {
	parts := strings.SplitN(field, "^", 2)
	return parts[0]
}
