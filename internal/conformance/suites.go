package conformance

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/piwi3910/mkeyconform/internal/mkey"
	"github.com/piwi3910/mkeyconform/internal/rdmaop"
	"github.com/piwi3910/mkeyconform/internal/sig"
	"github.com/piwi3910/mkeyconform/internal/verbs"
)

// Guards of one DataPattern block as computed by the device.
const (
	GuardCRC32          = 0x699ACA21
	GuardCRC32C         = 0x7BE5157D
	GuardCRC64XP10      = 0xB23C348A1F86783F
	GuardT10DIFCRC512   = 0x9EC6
	GuardT10DIFCRC520   = 0x844F
	GuardT10DIFCRC4096  = 0x186A
	GuardT10DIFCSUM512  = 0x5A5A
	GuardNVMeDIFCRC64   = 0x489C3FDBD283F79A
	GuardNVMeDIFCRC16   = GuardT10DIFCRC512
	GuardNVMeDIFCRC32C  = GuardCRC32C
	t10DIFRefTag        = 0xf0debc9a
	t10DIFAppTag        = 0x5678
	corruptedCRC32Guard = GuardCRC32 + 1
)

// Suite is a named group of tests.
type Suite struct {
	Name        string
	Description string
	Tests       []Test
}

func domain(bs sig.BlockSize, s sig.Signature) sig.Domain {
	return sig.NewDomain(bs, s)
}

func memOnly(bs sig.BlockSize, s sig.Signature) sig.BlockConfig {
	return sig.NewBlockConfig(domain(bs, s), sig.NoDomain)
}

func wireOnly(bs sig.BlockSize, s sig.Signature) sig.BlockConfig {
	return sig.NewBlockConfig(sig.NoDomain, domain(bs, s))
}

func both(bs sig.BlockSize, s sig.Signature, opts ...sig.BlockOption) sig.BlockConfig {
	return sig.NewBlockConfig(domain(bs, s), domain(bs, s), opts...)
}

func sigBlock(suite, name, desc string, t SigBlockTest) Test {
	return Test{Suite: suite, Name: name, Description: desc, Run: t.Run}
}

func sigTypesSuite() Suite {
	const s = "sig_types"
	return Suite{
		Name:        s,
		Description: "Signature kinds in the memory and wire domains",
		Tests: []Test{
			sigBlock(s, "none", "No signature on either side", SigBlockTest{
				Src: sig.NoBlock, Dst: sig.NoBlock,
			}),
			sigBlock(s, "wire_crc32", "CRC32 inserted on the wire and stripped", SigBlockTest{
				Src: wireOnly(sig.BlockSize512, sig.CRC32IEEE), Dst: wireOnly(sig.BlockSize512, sig.CRC32IEEE),
			}),
			sigBlock(s, "wire_crc32c", "CRC32C inserted on the wire and stripped", SigBlockTest{
				Src: wireOnly(sig.BlockSize512, sig.CRC32C), Dst: wireOnly(sig.BlockSize512, sig.CRC32C),
			}),
			sigBlock(s, "wire_crc64_xp10", "CRC64-XP10 inserted on the wire and stripped", SigBlockTest{
				Src: wireOnly(sig.BlockSize512, sig.CRC64XP10), Dst: wireOnly(sig.BlockSize512, sig.CRC64XP10),
			}),
			sigBlock(s, "mem_crc32_to_crc32c", "CRC32 checked and stripped, CRC32C generated", SigBlockTest{
				Src: memOnly(sig.BlockSize512, sig.CRC32IEEE), SrcValue: GuardCRC32,
				Dst: memOnly(sig.BlockSize512, sig.CRC32C), DstValue: GuardCRC32C,
			}),
			sigBlock(s, "mem_crc32_to_crc64_xp10", "CRC32 checked and stripped, CRC64-XP10 generated", SigBlockTest{
				Src: memOnly(sig.BlockSize512, sig.CRC32IEEE), SrcValue: GuardCRC32,
				Dst: memOnly(sig.BlockSize512, sig.CRC64XP10), DstValue: GuardCRC64XP10,
			}),
		},
	}
}

func opsSuite() Suite {
	const s = "ops"
	cfg := both(sig.BlockSize512, sig.CRC32IEEE)
	var tests []Test
	for _, op := range []rdmaop.Op{rdmaop.Read{}, rdmaop.Write{}, rdmaop.Send{}} {
		tests = append(tests, sigBlock(s, "crc32_"+op.Name(), "CRC32 in both domains over "+op.Name(), SigBlockTest{
			Src: cfg, SrcValue: GuardCRC32,
			Dst: cfg, DstValue: GuardCRC32,
			Op:  op,
		}))
	}
	return Suite{Name: s, Description: "RDMA operations through signature keys", Tests: tests}
}

func t10difSuite() Suite {
	const s = "t10dif"
	return Suite{
		Name:        s,
		Description: "T10-DIF protection information",
		Tests: []Test{
			sigBlock(s, "type1_crc_remap", "Type 1 reference tags remapped over four blocks", SigBlockTest{
				Src: both(sig.BlockSize512, sig.T10DIFCRCType1), SrcValue: GuardT10DIFCRC512,
				Dst: both(sig.BlockSize512, sig.T10DIFCRCType1), DstValue: GuardT10DIFCRC512,
				NumBlocks: 4,
			}),
			sigBlock(s, "type3_crc_write", "Type 3 constant reference tag over write", SigBlockTest{
				Src: both(sig.BlockSize512, sig.T10DIFCRCType3), SrcValue: GuardT10DIFCRC512,
				Dst: both(sig.BlockSize512, sig.T10DIFCRCType3), DstValue: GuardT10DIFCRC512,
				NumBlocks: 2,
				Op:        rdmaop.Write{},
			}),
			sigBlock(s, "csum_to_crc", "IP checksum guard checked, CRC guard generated", SigBlockTest{
				Src: memOnly(sig.BlockSize512, sig.T10DIFCSUMType1), SrcValue: GuardT10DIFCSUM512,
				Dst: memOnly(sig.BlockSize512, sig.T10DIFCRCType1), DstValue: GuardT10DIFCRC512,
				NumBlocks: 2,
			}),
			sigBlock(s, "type1_520", "Type 1 on 520 byte blocks", SigBlockTest{
				Src: both(sig.BlockSize520, sig.T10DIFCRCType1), SrcValue: GuardT10DIFCRC520,
				Dst: both(sig.BlockSize520, sig.T10DIFCRCType1), DstValue: GuardT10DIFCRC520,
				NumBlocks: 2,
			}),
			sigBlock(s, "type1_4096_send", "Type 1 on 4096 byte blocks over send", SigBlockTest{
				Src: both(sig.BlockSize4096, sig.T10DIFCRCType1), SrcValue: GuardT10DIFCRC4096,
				Dst: both(sig.BlockSize4096, sig.T10DIFCRCType1), DstValue: GuardT10DIFCRC4096,
				NumBlocks: 2,
				Op:        rdmaop.Send{},
			}),
			sigBlock(s, "wire_insert", "Type 1 inserted on the wire and stripped", SigBlockTest{
				Src: wireOnly(sig.BlockSize512, sig.T10DIFCRCType1),
				Dst: wireOnly(sig.BlockSize512, sig.T10DIFCRCType1),
				NumBlocks: 3,
			}),
		},
	}
}

func nvmedifSuite() Suite {
	const s = "nvmedif"
	cases := []struct {
		name  string
		sig   sig.NVMeDIF
		guard uint64
	}{
		{"format16_sts0", sig.NVMeDIF16STS0, GuardNVMeDIFCRC16},
		{"format16_sts16", sig.NVMeDIF16STS16, GuardNVMeDIFCRC16},
		{"format16_sts32", sig.NVMeDIF16STS32, GuardNVMeDIFCRC16},
		{"format32_sts16", sig.NVMeDIF32STS16, GuardNVMeDIFCRC32C},
		{"format64_sts16", sig.NVMeDIF64STS16, GuardNVMeDIFCRC64},
	}
	var tests []Test
	for _, c := range cases {
		cfg := both(sig.BlockSize512, c.sig)
		tests = append(tests, sigBlock(s, c.name, fmt.Sprintf("NVMe-DIF format %d with %d bit storage tag", c.sig.Format, c.sig.STS), SigBlockTest{
			Src: cfg, SrcValue: c.guard,
			Dst: cfg, DstValue: c.guard,
			NumBlocks: 2,
		}))
	}
	return Suite{Name: s, Description: "NVMe-DIF protection information", Tests: tests}
}

func errorsSuite() Suite {
	const s = "errors"
	crc32 := both(sig.BlockSize512, sig.CRC32IEEE)
	t10 := both(sig.BlockSize512, sig.T10DIFCRCType1)

	return Suite{
		Name:        s,
		Description: "Signature errors detected and reported by memory keys",
		Tests: []Test{
			sigBlock(s, "crc32_bad_guard", "Corrupted CRC32 latched on the source key", SigBlockTest{
				Src: crc32, SrcValue: GuardCRC32,
				Dst: crc32, DstValue: GuardCRC32,
				Corrupt: func(buf []byte) { buf[515]++ },
				WantSrc: mkey.ErrorWithDetail(verbs.MkeyErrBadGuard, corruptedCRC32Guard, GuardCRC32, 0),
			}),
			sigBlock(s, "crc32_bad_guard_second_block", "Offset of the first failing block", SigBlockTest{
				Src: crc32, SrcValue: GuardCRC32,
				Dst: crc32, DstValue: GuardCRC32,
				NumBlocks: 3,
				Corrupt:   func(buf []byte) { buf[516+515]++ },
				WantSrc:   mkey.ErrorWithDetail(verbs.MkeyErrBadGuard, corruptedCRC32Guard, GuardCRC32, 516),
			}),
			sigBlock(s, "t10dif_bad_ref_tag", "Reference tag mismatch on a remapped block", SigBlockTest{
				Src: t10, SrcValue: GuardT10DIFCRC512,
				Dst: t10, DstValue: GuardT10DIFCRC512,
				NumBlocks: 2,
				Corrupt:   func(buf []byte) { copy(buf[520+516:], []byte{0, 0, 0, 0}) },
				WantSrc:   mkey.ErrorWithDetail(verbs.MkeyErrBadRefTag, 0, t10DIFRefTag+1, 520),
			}),
			sigBlock(s, "t10dif_bad_app_tag", "Application tag mismatch", SigBlockTest{
				Src: t10, SrcValue: GuardT10DIFCRC512,
				Dst: t10, DstValue: GuardT10DIFCRC512,
				Corrupt: func(buf []byte) { copy(buf[514:], []byte{0x12, 0x34}) },
				WantSrc: mkey.ErrorWithDetail(verbs.MkeyErrBadAppTag, 0x1234, t10DIFAppTag, 0),
			}),
			sigBlock(s, "t10dif_app_escape", "Application tag 0xFFFF disables checking", SigBlockTest{
				Src: t10, SrcValue: GuardT10DIFCRC512,
				Dst: t10, DstValue: GuardT10DIFCRC512,
				Corrupt: func(buf []byte) { copy(buf[512:], []byte{0x00, 0x00, 0xff, 0xff}) },
			}),
			sigBlock(s, "t10dif_check_mask", "Guard excluded from the check mask", SigBlockTest{
				Src: both(sig.BlockSize512, sig.T10DIFCRCType1,
					sig.WithCheckMask(sig.CheckT10DIFAppTag|sig.CheckT10DIFRefTag)),
				SrcValue: GuardT10DIFCRC512,
				Dst:      t10, DstValue: GuardT10DIFCRC512,
				Corrupt: func(buf []byte) { buf[512] ^= 0xff },
			}),
			sigBlock(s, "wire_seed_mismatch", "Wire CRC checked by the receiving key", SigBlockTest{
				Src:     wireOnly(sig.BlockSize512, sig.CRC32IEEE),
				Dst:     wireOnly(sig.BlockSize512, sig.CRC32{Type: sig.CRC32TypeIEEE, Seed: 1}),
				WantDst: mkey.ErrorOfType(verbs.MkeyErrBadGuard),
			}),
			{
				Suite:       s,
				Name:        "pipelining_cancel",
				Description: "Signature error drains a pipelining queue pair",
				Pipelining:  true,
				Run:         pipeliningCancel,
			},
		},
	}
}

func customSuite() Suite {
	const s = "custom"
	return Suite{
		Name:        s,
		Description: "Memory key configuration edge cases",
		Tests: []Test{
			{Suite: s, Name: "noBlockSigAttr", Description: "Signature attributes on a key created without block signature support", Run: noBlockSigAttr},
			{Suite: s, Name: "invalidate", Description: "Invalidated keys refuse access until reconfigured", Run: invalidateReconfigure},
			{Suite: s, Name: "inc_tag", Description: "Tag rotation retires the previous key", Run: incTag},
		},
	}
}

func layoutsSuite() Suite {
	const s = "layouts"
	return Suite{
		Name:        s,
		Description: "List and interleaved data layouts",
		Tests: []Test{
			{Suite: s, Name: "list_crc32_split", Description: "CRC32 block split across two regions", Run: listSplit},
			{Suite: s, Name: "interleaved", Description: "Interleaved layout gathers strided data", Run: interleaved},
		},
	}
}

// All returns every suite in a stable order.
func All() []Suite {
	return []Suite{
		sigTypesSuite(),
		opsSuite(),
		customSuite(),
		t10difSuite(),
		nvmedifSuite(),
		errorsSuite(),
		layoutsSuite(),
	}
}

// SuiteNames lists the suite names.
func SuiteNames() []string {
	var names []string
	for _, s := range All() {
		names = append(names, s.Name)
	}
	return names
}

// Select returns the tests of the named suites (all when empty) whose ID
// matches filter. The filter is a path.Match pattern over "suite/name"; a
// filter without pattern characters matches as a substring.
func Select(suites []string, filter string) ([]Test, error) {
	all := All()
	want := make(map[string]bool, len(suites))
	for _, name := range suites {
		want[name] = true
	}
	for name := range want {
		found := false
		for _, s := range all {
			if s.Name == name {
				found = true
				break
			}
		}
		if !found {
			valid := SuiteNames()
			sort.Strings(valid)
			return nil, fmt.Errorf("unknown suite %q (valid: %s)", name, strings.Join(valid, ", "))
		}
	}

	var out []Test
	for _, s := range all {
		if len(want) > 0 && !want[s.Name] {
			continue
		}
		for _, t := range s.Tests {
			ok, err := matches(filter, t.ID())
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

func matches(filter, id string) (bool, error) {
	if filter == "" {
		return true, nil
	}
	if !strings.ContainsAny(filter, "*?[") {
		return strings.Contains(id, filter), nil
	}
	ok, err := path.Match(filter, id)
	if err != nil {
		return false, fmt.Errorf("bad filter %q: %w", filter, err)
	}
	return ok, nil
}
