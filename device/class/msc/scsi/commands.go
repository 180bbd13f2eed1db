package scsi

import (
	"encoding/binary"

	"github.com/ardnew/softmsc/device/class/msc/storage"
	"github.com/ardnew/softmsc/pkg"
)

// cdbLength returns the CDB length implied by the operation code's group,
// or 0 for vendor-specific groups.
func cdbLength(cdb []byte) int {
	switch cdb[0] >> 5 {
	case 0:
		return 6
	case 1, 2:
		return 10
	case 3:
		if cdb[0] == OpVariableLength && len(cdb) > 7 {
			return 8 + int(cdb[7])
		}
		return 8
	case 4:
		return 16
	case 5:
		return 12
	default:
		return 0
	}
}

// needsMedia reports whether op requires a media descriptor.
func needsMedia(op uint8) bool {
	switch op {
	case OpTestUnitReady, OpModeSense6, OpModeSense10,
		OpReadCapacity10, OpServiceActionIn16, OpReadFormatCapacities,
		OpSynchronizeCache10, OpSynchronizeCache16,
		OpRead6, OpRead10, OpRead12, OpRead16,
		OpWrite6, OpWrite10, OpWrite12, OpWrite16,
		OpVerify10, OpVerify12, OpVerify16,
		OpWriteAndVerify10, OpWriteAndVerify12, OpWriteAndVerify16,
		OpVariableLength:
		return true
	}
	return false
}

// dispatch runs the parked CDB. With refresh set, a stale media
// descriptor is re-requested first and the command waits for it.
func (s *Session) dispatch(refresh bool) {
	cdb := s.cdb[:s.cdbLen]
	op := cdb[0]

	need := cdbLength(cdb)
	if need == 0 {
		s.unsupported(op)
		return
	}
	if len(cdb) < need {
		s.fail(SenseIllegalRequest, ASCInvalidFieldInCDB)
		return
	}

	if needsMedia(op) {
		if s.needMedia && refresh {
			if !s.backend.CheckMedia() {
				s.media = nil
				s.fail(SenseNotReady, ASCMediumNotPresent)
				return
			}
			s.state = StateMedia
			s.requestMedia()
			return
		}
		if s.media == nil {
			s.fail(SenseNotReady, ASCMediumNotPresent)
			return
		}
	}

	pkg.LogDebug(pkg.ComponentSCSI, "command", "opcode", op, "length", len(cdb))

	switch op {
	case OpTestUnitReady:
		s.finish()
	case OpRequestSense:
		s.requestSense(cdb)
	case OpInquiry:
		s.inquiry(cdb)
	case OpModeSense6:
		s.modeSense(cdb, false)
	case OpModeSense10:
		s.modeSense(cdb, true)
	case OpModeSelect6:
		s.accept(int(cdb[4]))
	case OpModeSelect10:
		s.accept(int(binary.BigEndian.Uint16(cdb[7:9])))
	case OpPreventAllowRemoval:
		s.prevent = cdb[4]&0x03 != 0
		pkg.LogDebug(pkg.ComponentSCSI, "medium removal", "prevent", s.prevent)
		s.finish()
	case OpStartStopUnit:
		s.startStop(cdb)
	case OpReadCapacity10:
		s.readCapacity10()
	case OpServiceActionIn16:
		if cdb[1]&0x1F != ServiceActionReadCapacity16 {
			s.fail(SenseIllegalRequest, ASCInvalidFieldInCDB)
			return
		}
		s.readCapacity16(int(binary.BigEndian.Uint32(cdb[10:14])))
	case OpReadFormatCapacities:
		s.readFormatCapacities(int(binary.BigEndian.Uint16(cdb[7:9])))
	case OpReportLUNs:
		n := marshalReportLUNs(s.scratch[:], s.cfg.LUNs)
		s.reply(s.scratch[:n], int(binary.BigEndian.Uint32(cdb[6:10])))
	case OpSynchronizeCache10, OpSynchronizeCache16:
		s.synchronizeCache()

	case OpRead6, OpWrite6:
		lba := uint64(cdb[1]&0x1F)<<16 | uint64(cdb[2])<<8 | uint64(cdb[3])
		count := uint32(cdb[4])
		if count == 0 {
			count = 256
		}
		state := StateRead
		if op == OpWrite6 {
			state = StateWrite
		}
		s.startBlock(state, lba, count, false)
	case OpRead10, OpWrite10, OpVerify10, OpWriteAndVerify10:
		lba := uint64(binary.BigEndian.Uint32(cdb[2:6]))
		count := uint32(binary.BigEndian.Uint16(cdb[7:9]))
		s.block(op, lba, count, cdb[1])
	case OpRead12, OpWrite12, OpVerify12, OpWriteAndVerify12:
		lba := uint64(binary.BigEndian.Uint32(cdb[2:6]))
		count := binary.BigEndian.Uint32(cdb[6:10])
		s.block(op, lba, count, cdb[1])
	case OpRead16, OpWrite16, OpVerify16, OpWriteAndVerify16:
		lba := binary.BigEndian.Uint64(cdb[2:10])
		count := binary.BigEndian.Uint32(cdb[10:14])
		s.block(op, lba, count, cdb[1])
	case OpVariableLength:
		s.variableLength(cdb)

	case OpATAPassThrough12, OpATAPassThrough16,
		OpReadTOC, OpGetConfiguration, OpGetEventStatus, OpReadDiscInformation:
		pkg.LogDebug(pkg.ComponentSCSI, "stubbed command", "opcode", op)
		s.fail(SenseIllegalRequest, ASCInvalidCommand)

	default:
		s.unsupported(op)
	}
}

func (s *Session) unsupported(op uint8) {
	pkg.LogWarn(pkg.ComponentSCSI, "unsupported command", "opcode", op)
	s.fail(SenseIllegalRequest, ASCInvalidCommand)
}

// block starts a 10/12/16-byte read, write or verify. flags is CDB byte 1.
func (s *Session) block(op uint8, lba uint64, count uint32, flags uint8) {
	switch op {
	case OpRead10, OpRead12, OpRead16:
		s.startBlock(StateRead, lba, count, false)
	case OpWrite10, OpWrite12, OpWrite16:
		s.startBlock(StateWrite, lba, count, false)
	case OpWriteAndVerify10, OpWriteAndVerify12, OpWriteAndVerify16:
		s.startBlock(StateWriteVerify, lba, count, true)
	default:
		s.verify(lba, count, flags)
	}
}

// verify starts a VERIFY; bytchk selects medium-only (0) or compare (1).
func (s *Session) verify(lba uint64, count uint32, flags uint8) {
	switch (flags >> 1) & 0x03 {
	case 0:
		s.startBlock(StateVerify, lba, count, false)
	case 1:
		s.startBlock(StateVerify, lba, count, true)
	default:
		s.fail(SenseIllegalRequest, ASCInvalidFieldInCDB)
	}
}

// variableLength decodes the 32-byte READ/WRITE/VERIFY service actions.
func (s *Session) variableLength(cdb []byte) {
	if len(cdb) < 32 || cdb[7] != 0x18 {
		s.fail(SenseIllegalRequest, ASCInvalidFieldInCDB)
		return
	}
	lba := binary.BigEndian.Uint64(cdb[12:20])
	count := binary.BigEndian.Uint32(cdb[28:32])
	switch binary.BigEndian.Uint16(cdb[8:10]) {
	case ServiceActionRead32:
		s.startBlock(StateRead, lba, count, false)
	case ServiceActionWrite32:
		s.startBlock(StateWrite, lba, count, false)
	case ServiceActionWriteVerify32:
		s.startBlock(StateWriteVerify, lba, count, true)
	case ServiceActionVerify32:
		s.verify(lba, count, cdb[10])
	default:
		s.fail(SenseIllegalRequest, ASCInvalidFieldInCDB)
	}
}

func (s *Session) requestSense(cdb []byte) {
	sense := s.sense.Pop()
	n := sense.MarshalTo(s.scratch[:])
	s.reply(s.scratch[:n], int(cdb[4]))
}

func (s *Session) inquiry(cdb []byte) {
	evpd := cdb[1]&InquiryEVPD != 0
	page := cdb[2]
	alloc := int(binary.BigEndian.Uint16(cdb[3:5]))

	if !evpd {
		if page != 0 {
			s.fail(SenseIllegalRequest, ASCInvalidFieldInCDB)
			return
		}
		resp := InquiryResponse{
			DeviceType: s.desc.DeviceType,
			Removable:  s.desc.Removable,
			Vendor:     s.desc.Vendor,
			Product:    s.desc.Product,
			Revision:   s.desc.Revision,
		}
		n := resp.MarshalTo(s.scratch[:])
		s.reply(s.scratch[:n], alloc)
		return
	}

	var n int
	switch page {
	case VPDSupportedPages:
		n = marshalSupportedPages(s.scratch[:], s.desc.DeviceType)
	case VPDUnitSerialNumber:
		n = marshalSerialNumber(s.scratch[:], s.desc.DeviceType, s.desc.ID)
	case VPDDeviceIdentification:
		n = marshalDeviceIdentification(s.scratch[:], s.desc.Vendor, s.desc.Product, s.desc.DeviceType, s.desc.ID)
	default:
		s.fail(SenseIllegalRequest, ASCInvalidFieldInCDB)
		return
	}
	s.reply(s.scratch[:n], alloc)
}

// Page control values (MODE SENSE byte 2, bits 7..6).
const (
	pageControlCurrent    = 0
	pageControlChangeable = 1
	pageControlDefault    = 2
	pageControlSaved      = 3
)

func (s *Session) modeSense(cdb []byte, long bool) {
	pc := cdb[2] >> 6
	page := cdb[2] & 0x3F
	if page != ModePageCaching && page != ModePageAllPages {
		s.fail(SenseIllegalRequest, ASCInvalidFieldInCDB)
		return
	}
	if pc == pageControlSaved {
		s.fail(SenseIllegalRequest, ASCSavingNotSupported)
		return
	}

	// No mode parameter can be changed.
	resp := ModeSenseResponse{
		WriteProtected: s.media.WriteProtected,
		BlockDesc:      cdb[1]&ModeSenseDBD == 0,
		Blocks:         s.media.Sectors,
		BlockLength:    s.media.SectorSize,
		Caching:        true,
		Changeable:     pc == pageControlChangeable,
	}
	n := resp.MarshalTo(s.scratch[:], long)
	alloc := int(cdb[4])
	if long {
		alloc = int(binary.BigEndian.Uint16(cdb[7:9]))
	}
	s.reply(s.scratch[:n], alloc)
}

func (s *Session) startStop(cdb []byte) {
	start := cdb[4]&0x01 != 0
	loej := cdb[4]&0x02 != 0
	pkg.LogDebug(pkg.ComponentSCSI, "start stop unit", "start", start, "loej", loej)

	if !loej || start {
		s.finish()
		return
	}
	if s.prevent {
		s.fail(SenseIllegalRequest, ASCMediumRemovalPrevented)
		return
	}
	ej, ok := s.backend.(storage.Ejecter)
	if !ok || !s.desc.Removable {
		s.fail(SenseIllegalRequest, ASCInvalidFieldInCDB)
		return
	}
	if err := ej.Eject(); err != nil {
		pkg.LogWarn(pkg.ComponentSCSI, "eject failed", "error", err)
		s.fail(SenseIllegalRequest, ASCInvalidFieldInCDB)
		return
	}
	s.finish()
}

func (s *Session) readCapacity10() {
	last := s.media.Sectors - 1
	if last > 0xFFFFFFFF {
		last = 0xFFFFFFFF
	}
	resp := ReadCapacity10Response{LastLBA: uint32(last), BlockLength: s.media.SectorSize}
	n := resp.MarshalTo(s.scratch[:])
	s.reply(s.scratch[:n], n)
}

func (s *Session) readCapacity16(alloc int) {
	resp := ReadCapacity16Response{LastLBA: s.media.Sectors - 1, BlockLength: s.media.SectorSize}
	n := resp.MarshalTo(s.scratch[:])
	s.reply(s.scratch[:n], alloc)
}

func (s *Session) readFormatCapacities(alloc int) {
	blocks := s.media.Sectors
	if blocks > 0xFFFFFFFF {
		blocks = 0xFFFFFFFF
	}
	resp := FormatCapacityResponse{
		Blocks:      uint32(blocks),
		Type:        FormatFormatted,
		BlockLength: s.media.SectorSize,
	}
	n := resp.MarshalTo(s.scratch[:])
	s.reply(s.scratch[:n], alloc)
}

func (s *Session) synchronizeCache() {
	if syncer, ok := s.backend.(storage.Syncer); ok {
		if err := syncer.Sync(); err != nil {
			pkg.LogWarn(pkg.ComponentSCSI, "cache sync failed", "error", err)
			s.fail(SenseHardwareError, ASCCommunicationFailure)
			return
		}
	}
	s.finish()
}
