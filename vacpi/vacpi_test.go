package vacpi

import "testing"

func TestBuildChecksumsAreZero(t *testing.T) {
	tpl, err := Build(4)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ok, err := tpl.VerifyChecksums()
	if err != nil {
		t.Fatalf("VerifyChecksums: %v", err)
	}

	if !ok {
		t.Fatalf("expected all checksums to be zero mod 256")
	}
}

func TestBuildUPGuestHasOneLAPIC(t *testing.T) {
	tpl, err := Build(1)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(tpl.LAPIC) != 1 {
		t.Fatalf("expected exactly one LAPIC subtable for a UP guest, got %d", len(tpl.LAPIC))
	}

	ok, err := tpl.VerifyChecksums()
	if err != nil || !ok {
		t.Fatalf("UP guest checksums invalid: ok=%v err=%v", ok, err)
	}
}

func TestBuildIsIdempotent(t *testing.T) {
	a, err := Build(3)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	b, err := Build(3)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	aBytes, _ := a.MADTBytes()
	bBytes, _ := b.MADTBytes()

	if string(aBytes) != string(bBytes) {
		t.Fatalf("expected Build to be idempotent for the same vCPU count")
	}
}

func TestBuildRejectsZeroVcpus(t *testing.T) {
	if _, err := Build(0); err == nil {
		t.Fatalf("expected an error for zero vCPUs")
	}
}

func TestLocalAPICProcessorIDsMatchIndex(t *testing.T) {
	tpl, err := Build(8)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	for i, l := range tpl.LAPIC {
		if int(l.ProcessorID) != i || int(l.APICID) != i {
			t.Fatalf("lapic[%d] = %+v, want processor_id=apic_id=%d", i, l, i)
		}
	}
}
