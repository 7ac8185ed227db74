package sim

import (
	"github.com/klauspost/crc32"
	"github.com/minio/crc64nvme"
	"github.com/snksoft/crc"

	"github.com/piwi3910/mkeyconform/internal/sig"
)

// Guard engines of the emulated NIC. CRC32 and CRC64-XP10 are computed
// MSB-first without reflection, matching the device. The seed is the
// initial register value, so tables are built with a zero init.
var (
	castagnoli = crc32.MakeTable(crc32.Castagnoli)

	crc16T10DIF = crc.NewTable(&crc.Parameters{Width: 16, Polynomial: 0x8BB7})
	crc32IEEE   = crc.NewTable(&crc.Parameters{Width: 32, Polynomial: 0x04C11DB7, FinalXor: 0xFFFFFFFF})
	crc64XP     = crc.NewTable(&crc.Parameters{Width: 64, Polynomial: 0x42F0E1EBA9EA3693})
)

func crc16T10(init uint16, p []byte) uint16 {
	return uint16(crc16T10DIF.CRC(crc16T10DIF.UpdateCrc(uint64(init), p)))
}

func crc32MSB(seed uint32, p []byte) uint32 {
	return uint32(crc32IEEE.CRC(crc32IEEE.UpdateCrc(uint64(seed), p)))
}

func crc64XP10(seed uint64, p []byte) uint64 {
	return crc64XP.CRC(crc64XP.UpdateCrc(seed, p))
}

// ipChecksum is the Internet checksum used as the T10-DIF CSUM guard.
func ipChecksum(p []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(p); i += 2 {
		sum += uint32(p[i])<<8 | uint32(p[i+1])
	}
	if len(p)%2 == 1 {
		sum += uint32(p[len(p)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xFFFF + sum>>16
	}
	return ^uint16(sum)
}

func crc64NVMe(p []byte) uint64 {
	h := crc64nvme.New()
	_, _ = h.Write(p)
	return h.Sum64()
}

// guardOf computes the guard the device writes for one block of data.
func guardOf(s sig.Signature, block []byte) uint64 {
	switch s := s.(type) {
	case sig.CRC32:
		if s.Type == sig.CRC32TypeCastagnoli {
			return uint64(crc32.Update(s.Seed, castagnoli, block))
		}
		return uint64(crc32MSB(s.Seed, block))
	case sig.CRC64:
		return crc64XP10(s.Seed, block)
	case sig.T10DIF:
		if s.BgType == sig.BgCSUM {
			return uint64(ipChecksum(block))
		}
		return uint64(crc16T10(s.Bg^0xFFFF, block))
	case sig.NVMeDIF:
		switch s.Format {
		case sig.NVMeFormat32:
			return uint64(crc32.Update(uint32(s.Seed), castagnoli, block))
		case sig.NVMeFormat64:
			return crc64NVMe(block)
		}
		return uint64(crc16T10(uint16(s.Seed)^0xFFFF, block))
	}
	return 0
}

// trailerFor returns the encoded trailer of domain d over one block.
func trailerFor(d sig.Domain, block []byte, blockIndex uint64) []byte {
	return sig.Encode(sig.TrailerFor(d.Sig, guardOf(d.Sig, block)), blockIndex)
}
