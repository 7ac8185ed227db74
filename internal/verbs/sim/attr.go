package sim

import (
	"errors"
	"fmt"

	"github.com/piwi3910/mkeyconform/internal/sig"
	"github.com/piwi3910/mkeyconform/internal/verbs"
)

var errBadAttr = errors.New("malformed signature attribute")

// blockConfig is a decoded SetSigBlock request.
type blockConfig struct {
	sig.BlockConfig
	copyTrailer bool
}

func decodeBlockSize(c verbs.BlockSizeCode) (sig.BlockSize, error) {
	if c < verbs.BlockSize512 || c > verbs.BlockSize4160 {
		return 0, fmt.Errorf("%w: block size %d", errBadAttr, int(c))
	}
	return sig.BlockSize(c), nil
}

func decodeDomain(d *verbs.SigBlockDomain) (sig.Domain, error) {
	if d == nil {
		return sig.NoDomain, nil
	}
	bs, err := decodeBlockSize(d.BlockSize)
	if err != nil {
		return sig.Domain{}, err
	}

	switch d.Type {
	case verbs.SigTypeCRC:
		if d.CRC == nil {
			return sig.Domain{}, fmt.Errorf("%w: missing crc parameters", errBadAttr)
		}
		switch d.CRC.Type {
		case verbs.CRCTypeCRC32:
			return sig.NewDomain(bs, sig.CRC32{Type: sig.CRC32TypeIEEE, Seed: uint32(d.CRC.Seed)}), nil
		case verbs.CRCTypeCRC32C:
			return sig.NewDomain(bs, sig.CRC32{Type: sig.CRC32TypeCastagnoli, Seed: uint32(d.CRC.Seed)}), nil
		case verbs.CRCTypeCRC64XP10:
			return sig.NewDomain(bs, sig.CRC64{Seed: d.CRC.Seed}), nil
		}
		return sig.Domain{}, fmt.Errorf("%w: crc type %d", errBadAttr, int(d.CRC.Type))

	case verbs.SigTypeT10DIF:
		if d.DIF == nil {
			return sig.Domain{}, fmt.Errorf("%w: missing t10dif parameters", errBadAttr)
		}
		s := sig.T10DIF{
			Type:   sig.DIFType1,
			BgType: sig.BgCRC,
			Bg:     d.DIF.Bg,
			AppTag: d.DIF.AppTag,
			RefTag: d.DIF.RefTag,
			Flags:  sig.DIFFlags(d.DIF.Flags),
		}
		if d.DIF.BgType == verbs.T10DIFBgCSUM {
			s.BgType = sig.BgCSUM
		}
		switch d.DIF.Type {
		case verbs.T10DIFType1:
		case verbs.T10DIFType3:
			s.Type = sig.DIFType3
		default:
			return sig.Domain{}, fmt.Errorf("%w: t10dif type %d", errBadAttr, int(d.DIF.Type))
		}
		return sig.NewDomain(bs, s), nil

	case verbs.SigTypeNVMeDIF:
		if d.NVMe == nil {
			return sig.Domain{}, fmt.Errorf("%w: missing nvmedif parameters", errBadAttr)
		}
		var format sig.NVMeFormat
		switch d.NVMe.Format {
		case verbs.NVMeDIFFormat16:
			format = sig.NVMeFormat16
		case verbs.NVMeDIFFormat32:
			format = sig.NVMeFormat32
		case verbs.NVMeDIFFormat64:
			format = sig.NVMeFormat64
		default:
			return sig.Domain{}, fmt.Errorf("%w: nvmedif format %d", errBadAttr, int(d.NVMe.Format))
		}
		if err := sig.ValidateSTS(format, d.NVMe.STS); err != nil {
			return sig.Domain{}, fmt.Errorf("%w: %v", errBadAttr, err)
		}
		return sig.NewDomain(bs, sig.NVMeDIF{
			Format:          format,
			Flags:           sig.DIFFlags(d.NVMe.Flags),
			Seed:            d.NVMe.Seed,
			StorageTag:      d.NVMe.StorageTag,
			RefTag:          d.NVMe.RefTag,
			AppTag:          d.NVMe.AppTag,
			STS:             d.NVMe.STS,
			AppTagCheck:     d.NVMe.AppTagCheck,
			StorageTagCheck: d.NVMe.StorageTagCheck,
		}), nil
	}
	return sig.Domain{}, fmt.Errorf("%w: signature type %d", errBadAttr, int(d.Type))
}

func decodeSigBlock(a verbs.SigBlockAttr) (blockConfig, error) {
	mem, err := decodeDomain(a.Mem)
	if err != nil {
		return blockConfig{}, err
	}
	wire, err := decodeDomain(a.Wire)
	if err != nil {
		return blockConfig{}, err
	}
	return blockConfig{
		BlockConfig: sig.NewBlockConfig(mem, wire,
			sig.WithCheckMask(a.CheckMask),
			sig.WithCopyMask(a.CopyMask),
			sig.WithFlags(sig.BlockFlags(a.Flags))),
		copyTrailer: a.Flags&verbs.SigBlockFlagCopyMask != 0,
	}, nil
}
