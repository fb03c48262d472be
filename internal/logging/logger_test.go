package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestSetAndGetLogger(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	customLogger := slog.New(slog.NewJSONHandler(&buf, nil))

	SetLogger(customLogger)

	got := Logger()
	if got != customLogger {
		t.Error("Logger() did not return the logger set by SetLogger()")
	}
}

func TestSetOutput(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	SetOutput(&buf)

	Info("test message", "key", "value")

	output := buf.String()
	if output == "" {
		t.Error("expected log output to be written to buffer")
	}
	if !strings.Contains(output, "test message") {
		t.Errorf("expected output to contain 'test message', got: %s", output)
	}
	if !strings.Contains(output, `"key"`) {
		t.Errorf("expected output to contain key, got: %s", output)
	}
}

func TestFieldHelpers(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	SetOutput(&buf)

	Info("slash applied",
		Solver("0xabc"),
		Receipt("0xdef"),
		Amount("1000000000000000000"),
	)

	output := buf.String()
	for _, want := range []string{"solver_id", "receipt_id", "amount"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q, got: %s", want, output)
		}
	}
}

func TestAudit(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	SetOutput(&buf)

	Audit(AuditEvent{
		Operation: "bond_slashed",
		Actor:     "receipthub",
		Target:    "0xsolver",
		Result:    "success",
		Details:   "timeout violation",
	})

	output := buf.String()
	if !strings.Contains(output, `"audit":true`) {
		t.Errorf("expected audit attribute, got: %s", output)
	}
	if !strings.Contains(output, "bond_slashed") {
		t.Errorf("expected operation in output, got: %s", output)
	}
}

func TestRedaction_PrivateKey(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	SetOutput(&buf)
	EnableRedaction()

	key := "0x" + strings.Repeat("ab", 32)
	Info("operator imported", "detail", "key "+key+" loaded")

	output := buf.String()
	if strings.Contains(output, key) {
		t.Errorf("private key leaked into log output: %s", output)
	}
}

func TestRedaction_SensitiveKeys(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	SetOutput(&buf)
	EnableRedaction()

	Info("config loaded", "keystore_password", "hunter2")

	output := buf.String()
	if strings.Contains(output, "hunter2") {
		t.Errorf("password leaked into log output: %s", output)
	}
	if !strings.Contains(output, "[REDACTED]") {
		t.Errorf("expected redaction marker, got: %s", output)
	}
}

func TestRedaction_ReceiptIDsStayVisible(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	SetOutput(&buf)
	EnableRedaction()

	// 64 hex chars, a receipt id, not key material.
	id := strings.Repeat("cd", 32)
	Info("receipt posted", "receipt_id", id)

	output := buf.String()
	if !strings.Contains(output, id) {
		t.Errorf("receipt id should not be redacted: %s", output)
	}
}
