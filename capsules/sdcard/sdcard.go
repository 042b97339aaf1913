// capsules/sdcard/sdcard.go

// Package sdcard implements an SD/MMC block driver over SPI: card bring-up
// per the physical-layer handshake (CMD0 reset, CMD8 voltage check, the
// SDv1/SDv2/MMC branch, ACMD41/CMD1 polling, CSD capacity read), and the
// block read/write data-phase protocol.
//
// The driver is a dual state machine: spiState tracks the SPI transaction
// in flight, alarmState tracks what happens after the next timer fire. At
// most one of the two is ever outstanding. Transient "not ready" statuses
// retry transparently with a timer backoff, bounded by a retry fuse shared
// across the whole operation.
package sdcard

import (
	"capsules-go/bus"
	"capsules-go/cells"
	"capsules-go/errcode"
	"capsules-go/types"
)

const (
	blockLen = 512
	// Data packet: token byte + block + two CRC bytes.
	packetLen = blockLen + 3
	bufferLen = packetLen

	// Alarm fires beyond this count abandon the operation.
	retryFuse = 100

	initBackoffMS  = 10
	dataBackoffMS  = 1
	detectSettleMS = 500
)

// CardType is determined once during bring-up and gates block-address vs.
// byte-address argument encoding.
type CardType uint8

const (
	CardTypeUninitialized CardType = iota
	CardTypeMMC
	CardTypeSDv1
	CardTypeSDv2
	CardTypeSDv2BlockAddressable
)

func (t CardType) String() string {
	switch t {
	case CardTypeMMC:
		return "MMC"
	case CardTypeSDv1:
		return "SDv1"
	case CardTypeSDv2:
		return "SDv2"
	case CardTypeSDv2BlockAddressable:
		return "SDv2 (block addressable)"
	default:
		return "uninitialized"
	}
}

// ErrorCode is a protocol or hardware failure reported through the client's
// Error callback.
type ErrorCode uint32

const (
	ErrCardStateChanged ErrorCode = iota
	ErrInitializationFailure
	ErrReadFailure
	ErrWriteFailure
	ErrTimeoutFailure
)

func (e ErrorCode) String() string {
	switch e {
	case ErrCardStateChanged:
		return "card state changed"
	case ErrInitializationFailure:
		return "initialization failure"
	case ErrReadFailure:
		return "read failure"
	case ErrWriteFailure:
		return "write failure"
	case ErrTimeoutFailure:
		return "timeout failure"
	default:
		return "unknown"
	}
}

// Client receives the driver's asynchronous completions. Failures surface
// exclusively through Error, never as return values, since the triggering
// operation was already accepted.
type Client interface {
	CardDetectionChanged(installed bool)
	InitDone(blockSize uint32, totalSize uint64)
	ReadDone(data []byte, length int)
	WriteDone(buffer []byte)
	Error(code ErrorCode)
}

type spiTag uint8

const (
	spiIdle spiTag = iota
	spiSendACmd

	spiInitReset
	spiInitCheckVersion
	spiInitRepeatHCSInit
	spiInitCheckCapacity
	spiInitAppSpecificInit
	spiInitRepeatAppSpecificInit
	spiInitRepeatGenericInit
	spiInitSetBlocksize
	spiInitComplete

	spiStartReadBlocks
	spiWaitReadBlock
	spiReadBlockComplete
	spiWaitReadBlocks
	spiReceivedBlock
	spiReadBlocksComplete

	spiStartWriteBlocks
	spiWriteBlockResponse
	spiWriteBlockBusy
	spiWaitWriteBlockBusy
)

type spiState struct {
	tag spiTag

	// SendACmd: the wrapped application-specific command.
	acmd sdCmd
	arg  uint32

	// Read/write legs: blocks remaining.
	count int
}

func idleSpi() spiState { return spiState{tag: spiIdle} }

type alarmTag uint8

const (
	alarmIdle alarmTag = iota
	alarmDetectionChange
	alarmRepeatHCSInit
	alarmRepeatAppSpecificInit
	alarmRepeatGenericInit
	alarmWaitForDataBlock
	alarmWaitForDataBlocks
	alarmWaitForWriteBusy
)

type alarmState struct {
	tag   alarmTag
	count int
}

func idleAlarm() alarmState { return alarmState{tag: alarmIdle} }

// SDCard is the SD/MMC capsule.
type SDCard struct {
	spi   types.SpiDevice
	alarm types.Alarm
	pin   types.InterruptPin

	state      spiState
	afterState spiState
	aState     alarmState
	alarmCount int

	isInitialized bool
	cardType      CardType

	txBuffer cells.TakeCell
	rxBuffer cells.TakeCell

	clientBuffer cells.TakeCell
	clientOffset int

	client Client
	conn   *bus.Connection
}

// New wires the capsule to its SPI channel, its alarm and an optional
// card-detect pin; b may be nil when no telemetry bus is present.
func New(spi types.SpiDevice, alarm types.Alarm, pin types.InterruptPin, b *bus.Bus) *SDCard {
	tx := make([]byte, bufferLen)
	rx := make([]byte, bufferLen)
	for i := range tx {
		tx[i] = 0xFF
		rx[i] = 0xFF
	}
	s := &SDCard{
		spi:      spi,
		alarm:    alarm,
		pin:      pin,
		txBuffer: cells.NewTakeCell(tx),
		rxBuffer: cells.NewTakeCell(rx),
	}
	if b != nil {
		s.conn = b.NewConnection("sdcard")
	}
	spi.SetClient(s)
	alarm.SetClient(s)
	if pin != nil {
		pin.MakeInput()
		pin.SetClient(s)
	}
	return s
}

func (s *SDCard) SetClient(c Client) { s.client = c }

// IsInstalled reports card presence. The detect pin is active low; without
// a pin a card is assumed present.
func (s *SDCard) IsInstalled() bool {
	if s.pin == nil {
		return true
	}
	return !s.pin.Read()
}

// IsInitialized reports whether bring-up has completed.
func (s *SDCard) IsInitialized() bool { return s.isInitialized }

// ReclaimClientBuffer takes back a caller buffer stranded by a failed or
// aborted operation. Only valid while the driver is idle.
func (s *SDCard) ReclaimClientBuffer() ([]byte, bool) {
	if s.busy() {
		return nil, false
	}
	return s.clientBuffer.Take()
}

// DetectChanges arms the card-detect interrupt.
func (s *SDCard) DetectChanges() {
	if s.pin != nil {
		s.pin.EnableInterrupts(types.EdgeEither)
	}
}

func (s *SDCard) busy() bool {
	return s.state.tag != spiIdle || s.aState.tag != alarmIdle
}

// Initialize starts card bring-up; completion arrives via InitDone or
// Error.
func (s *SDCard) Initialize() error {
	if !s.IsInstalled() {
		return errcode.Uninstalled
	}
	if s.busy() {
		return errcode.Busy
	}
	write, read, err := s.takeBuffers()
	if err != nil {
		return err
	}
	s.isInitialized = false
	s.cardType = CardTypeUninitialized
	s.state = spiState{tag: spiInitReset}
	return s.sendCommand(cmd0, 0, write, read, recvLenCommand)
}

// ReadBlocks reads count 512-byte blocks starting at sector into buffer;
// completion arrives via ReadDone or Error.
func (s *SDCard) ReadBlocks(buffer []byte, sector uint32, count int) error {
	if !s.isInitialized {
		return errcode.Reserve
	}
	if !s.IsInstalled() {
		return errcode.Uninstalled
	}
	if count < 1 {
		return errcode.Invalid
	}
	if len(buffer) < blockLen*count {
		return errcode.Size
	}
	if s.busy() {
		return errcode.Busy
	}
	write, read, err := s.takeBuffers()
	if err != nil {
		return err
	}
	s.clientBuffer.Replace(buffer)
	s.clientOffset = 0
	s.state = spiState{tag: spiStartReadBlocks, count: count}
	cmd := cmd17
	if count > 1 {
		cmd = cmd18
	}
	return s.sendCommand(cmd, s.blockArg(sector), write, read, recvLenCommand)
}

// WriteBlocks writes one 512-byte block from buffer at sector. Multi-block
// writes are not supported.
func (s *SDCard) WriteBlocks(buffer []byte, sector uint32, count int) error {
	if count > 1 {
		return errcode.NoSupport
	}
	if count < 1 {
		return errcode.Invalid
	}
	if !s.isInitialized {
		return errcode.Reserve
	}
	if !s.IsInstalled() {
		return errcode.Uninstalled
	}
	if s.busy() {
		return errcode.Busy
	}
	write, read, err := s.takeBuffers()
	if err != nil {
		return err
	}
	s.clientBuffer.Replace(buffer)
	s.clientOffset = 0
	s.state = spiState{tag: spiStartWriteBlocks, count: count}
	return s.sendCommand(cmd24, s.blockArg(sector), write, read, recvLenCommand)
}

// blockArg encodes a sector number: block-addressable cards take it as-is,
// everything else takes a byte address.
func (s *SDCard) blockArg(sector uint32) uint32 {
	if s.cardType == CardTypeSDv2BlockAddressable {
		return sector
	}
	return sector * blockLen
}

func (s *SDCard) takeBuffers() (write, read []byte, err error) {
	write, ok := s.txBuffer.Take()
	if !ok {
		return nil, nil, errcode.NoMem
	}
	read, ok = s.rxBuffer.Take()
	if !ok {
		s.txBuffer.Replace(write)
		return nil, nil, errcode.NoMem
	}
	return write, read, nil
}

// failOp is the single failure funnel: both SPI buffers go back to their
// cells, all state machine fields reset, then exactly one Error callback.
func (s *SDCard) failOp(write, read []byte, code ErrorCode) {
	s.txBuffer.Replace(write)
	s.rxBuffer.Replace(read)
	s.state = idleSpi()
	s.afterState = idleSpi()
	s.aState = idleAlarm()
	s.alarmCount = 0
	if s.client != nil {
		s.client.Error(code)
	}
}

// failIdle resets the machines without touching the buffer cells, for
// failures struck while the buffers are already deposited.
func (s *SDCard) failIdle(code ErrorCode) {
	s.state = idleSpi()
	s.afterState = idleSpi()
	s.aState = idleAlarm()
	s.alarmCount = 0
	if s.client != nil {
		s.client.Error(code)
	}
}

// parkAndRetry deposits the buffers and schedules the next attempt.
func (s *SDCard) parkAndRetry(write, read []byte, tag alarmTag, count int, ms uint32) {
	s.txBuffer.Replace(write)
	s.rxBuffer.Replace(read)
	s.state = idleSpi()
	s.aState = alarmState{tag: tag, count: count}
	s.alarm.SetAlarm(s.alarm.Now(), s.alarm.TicksFromMS(ms))
}

// failureCodeFor maps a state to the error reported when its transaction
// fails outright.
func failureCodeFor(tag spiTag) ErrorCode {
	switch tag {
	case spiStartReadBlocks, spiWaitReadBlock, spiReadBlockComplete,
		spiWaitReadBlocks, spiReceivedBlock, spiReadBlocksComplete:
		return ErrReadFailure
	case spiStartWriteBlocks, spiWriteBlockResponse, spiWriteBlockBusy,
		spiWaitWriteBlockBusy:
		return ErrWriteFailure
	default:
		return ErrInitializationFailure
	}
}

// ReadWriteDone advances the SPI state machine with the buffers the
// hardware hands back.
func (s *SDCard) ReadWriteDone(write, read []byte, n int, err error) {
	if err != nil {
		s.failOp(write, read, failureCodeFor(s.state.tag))
		return
	}
	s.processSpiState(write, read, n)
}

func (s *SDCard) processSpiState(write, read []byte, n int) {
	st := s.state
	switch st.tag {
	case spiSendACmd:
		// CMD55 went out; now send the wrapped command and resume at the
		// recorded after-state.
		s.state = s.afterState
		s.afterState = idleSpi()
		_ = s.sendCommand(st.acmd, st.arg, write, read, recvLenCommand)

	case spiInitReset:
		r1, _, _ := getResponse(responseR1, read[:n])
		if r1 == statusInitializing {
			// Check Voltage Range, only valid on SDv2 cards. Used to
			// determine which SD card version is installed.
			s.state = spiState{tag: spiInitCheckVersion}
			_ = s.sendCommand(cmd8, 0x1AA, write, read, recvLenCommand)
		} else {
			s.failOp(write, read, ErrInitializationFailure)
		}

	case spiInitCheckVersion:
		r1, _, r7 := getResponse(responseR7, read[:n])
		if r1 == statusInitializing && r7 == 0x1AA {
			// SDv2: app-specific init in high capacity mode (HCS).
			s.state = spiState{tag: spiSendACmd, acmd: acmd41, arg: 0x40000000}
			s.afterState = spiState{tag: spiInitRepeatHCSInit}
			_ = s.sendCommand(cmd55, 0, write, read, recvLenCommand)
		} else {
			// SDv1 or MMC.
			s.state = spiState{tag: spiSendACmd, acmd: acmd41, arg: 0}
			s.afterState = spiState{tag: spiInitAppSpecificInit}
			_ = s.sendCommand(cmd55, 0, write, read, recvLenCommand)
		}

	case spiInitRepeatHCSInit:
		r1, _, _ := getResponse(responseR1, read[:n])
		switch r1 {
		case statusSuccess:
			s.alarmCount = 0
			s.state = spiState{tag: spiInitCheckCapacity}
			_ = s.sendCommand(cmd58, 0, write, read, recvLenCommand)
		case statusInitializing:
			s.parkAndRetry(write, read, alarmRepeatHCSInit, 0, initBackoffMS)
		default:
			s.failOp(write, read, ErrInitializationFailure)
		}

	case spiInitCheckCapacity:
		r1, _, ocr := getResponse(responseR3, read[:n])
		if r1 != statusSuccess {
			s.failOp(write, read, ErrInitializationFailure)
			return
		}
		if ocr&0x40000000 != 0 {
			s.cardType = CardTypeSDv2BlockAddressable
		} else {
			s.cardType = CardTypeSDv2
		}
		// SDv2 cards are natively 512-byte blocked; skip CMD16 and read
		// the CSD register for the capacity.
		s.state = spiState{tag: spiInitComplete}
		_ = s.sendCommand(cmd9, 0, write, read, recvLenCSD)

	case spiInitAppSpecificInit:
		r1, _, _ := getResponse(responseR1, read[:n])
		if r1 <= statusInitializing {
			// SD-family response: SDv1.
			s.cardType = CardTypeSDv1
			s.state = spiState{tag: spiSendACmd, acmd: acmd41, arg: 0}
			s.afterState = spiState{tag: spiInitRepeatAppSpecificInit}
			_ = s.sendCommand(cmd55, 0, write, read, recvLenCommand)
		} else {
			// MMC: generic init.
			s.cardType = CardTypeMMC
			s.state = spiState{tag: spiInitRepeatGenericInit}
			_ = s.sendCommand(cmd1, 0, write, read, recvLenCommand)
		}

	case spiInitRepeatAppSpecificInit:
		r1, _, _ := getResponse(responseR1, read[:n])
		switch r1 {
		case statusSuccess:
			s.alarmCount = 0
			s.state = spiState{tag: spiInitSetBlocksize}
			_ = s.sendCommand(cmd16, blockLen, write, read, recvLenCommand)
		case statusInitializing:
			s.parkAndRetry(write, read, alarmRepeatAppSpecificInit, 0, initBackoffMS)
		default:
			s.failOp(write, read, ErrInitializationFailure)
		}

	case spiInitRepeatGenericInit:
		r1, _, _ := getResponse(responseR1, read[:n])
		switch r1 {
		case statusSuccess:
			s.alarmCount = 0
			s.state = spiState{tag: spiInitSetBlocksize}
			_ = s.sendCommand(cmd16, blockLen, write, read, recvLenCommand)
		case statusInitializing:
			s.parkAndRetry(write, read, alarmRepeatGenericInit, 0, initBackoffMS)
		default:
			s.failOp(write, read, ErrInitializationFailure)
		}

	case spiInitSetBlocksize:
		r1, _, _ := getResponse(responseR1, read[:n])
		if r1 == statusSuccess {
			s.state = spiState{tag: spiInitComplete}
			_ = s.sendCommand(cmd9, 0, write, read, recvLenCSD)
		} else {
			s.failOp(write, read, ErrInitializationFailure)
		}

	case spiInitComplete:
		total, ok := parseCSD(read[:n])
		if !ok {
			s.failOp(write, read, ErrInitializationFailure)
			return
		}
		s.txBuffer.Replace(write)
		s.rxBuffer.Replace(read)
		s.state = idleSpi()
		s.alarmCount = 0
		s.isInitialized = true
		s.publishState()
		if s.client != nil {
			s.client.InitDone(blockLen, total)
		}

	case spiStartReadBlocks:
		r1, _, _ := getResponse(responseR1, read[:n])
		if r1 != statusSuccess {
			s.failOp(write, read, ErrReadFailure)
			return
		}
		if st.count <= 1 {
			s.state = spiState{tag: spiWaitReadBlock}
		} else {
			s.state = spiState{tag: spiWaitReadBlocks, count: st.count}
		}
		_ = s.readBytes(write, read, 1)

	case spiWaitReadBlock:
		switch read[0] {
		case dataToken:
			s.alarmCount = 0
			s.state = spiState{tag: spiReadBlockComplete}
			_ = s.readBytes(write, read, blockLen+2)
		case 0xFF:
			s.parkAndRetry(write, read, alarmWaitForDataBlock, 0, dataBackoffMS)
		default:
			s.failOp(write, read, ErrReadFailure)
		}

	case spiReadBlockComplete:
		length := 0
		s.clientBuffer.Map(func(buf []byte) {
			length = copy(buf, read[:blockLen])
		})
		s.txBuffer.Replace(write)
		s.rxBuffer.Replace(read)
		s.state = idleSpi()
		s.alarmCount = 0
		if buf, ok := s.clientBuffer.Take(); ok && s.client != nil {
			s.client.ReadDone(buf, length)
		}

	case spiWaitReadBlocks:
		switch read[0] {
		case dataToken:
			s.alarmCount = 0
			s.state = spiState{tag: spiReceivedBlock, count: st.count}
			_ = s.readBytes(write, read, blockLen+2)
		case 0xFF:
			s.parkAndRetry(write, read, alarmWaitForDataBlocks, st.count, dataBackoffMS)
		default:
			s.failOp(write, read, ErrReadFailure)
		}

	case spiReceivedBlock:
		s.clientBuffer.Map(func(buf []byte) {
			s.clientOffset += copy(buf[s.clientOffset:], read[:blockLen])
		})
		remaining := st.count - 1
		if remaining == 0 {
			// All blocks in; stop the multi-block transmission.
			s.state = spiState{tag: spiReadBlocksComplete}
			_ = s.sendCommand(cmd12, 0, write, read, recvLenCommand)
		} else {
			s.state = spiState{tag: spiWaitReadBlocks, count: remaining}
			_ = s.readBytes(write, read, 1)
		}

	case spiReadBlocksComplete:
		r1, _, _ := getResponse(responseR1, read[:n])
		if r1 != statusSuccess {
			s.failOp(write, read, ErrReadFailure)
			return
		}
		s.txBuffer.Replace(write)
		s.rxBuffer.Replace(read)
		s.state = idleSpi()
		s.alarmCount = 0
		if buf, ok := s.clientBuffer.Take(); ok && s.client != nil {
			s.client.ReadDone(buf, s.clientOffset)
		}

	case spiStartWriteBlocks:
		r1, _, _ := getResponse(responseR1, read[:n])
		if r1 != statusSuccess || st.count != 1 {
			// count != 1 is rejected at the public entry point; reaching
			// it here is internal misuse and fails hard.
			s.failOp(write, read, ErrWriteFailure)
			return
		}
		write[0] = dataToken
		filled := 0
		s.clientBuffer.Map(func(buf []byte) {
			filled = copy(write[1:1+blockLen], buf)
		})
		for i := 1 + filled; i < 1+blockLen; i++ {
			write[i] = 0xFF
		}
		write[1+blockLen] = 0xFF
		write[2+blockLen] = 0xFF
		s.state = spiState{tag: spiWriteBlockResponse}
		_ = s.writeBytes(write, read, packetLen)

	case spiWriteBlockResponse:
		// Clock one byte to pick up the card's data response.
		s.state = spiState{tag: spiWriteBlockBusy}
		_ = s.readBytes(write, read, 1)

	case spiWriteBlockBusy:
		if read[0]&0x1F == 0x05 {
			// Data accepted; poll until the card leaves busy.
			s.state = spiState{tag: spiWaitWriteBlockBusy}
			_ = s.readBytes(write, read, 1)
		} else {
			s.failOp(write, read, ErrWriteFailure)
		}

	case spiWaitWriteBlockBusy:
		if read[0] != 0x00 {
			// No longer busy.
			s.txBuffer.Replace(write)
			s.rxBuffer.Replace(read)
			s.state = idleSpi()
			s.alarmCount = 0
			if buf, ok := s.clientBuffer.Take(); ok && s.client != nil {
				s.client.WriteDone(buf)
			}
		} else {
			s.parkAndRetry(write, read, alarmWaitForWriteBusy, 0, dataBackoffMS)
		}

	case spiIdle:
		// A transaction aborted by a card-detect change completes here;
		// just deposit the buffers.
		s.txBuffer.Replace(write)
		s.rxBuffer.Replace(read)
	}
}

// parseCSD scans 12-byte sliding windows of a CMD9 response for the data
// token, then decodes the CSD version 1.0 or 2.0 capacity fields into a
// total byte count.
func parseCSD(read []byte) (uint64, bool) {
	for i := 0; i+12 <= len(read); i++ {
		w := read[i : i+12]
		if w[0] != dataToken {
			continue
		}
		switch (w[1] & 0xC0) >> 6 {
		case 0: // CSD version 1.0
			readBlockLen := uint(w[6] & 0x0F)
			csize := uint32(w[7]&0x03)<<10 | uint32(w[8])<<2 | uint32(w[9]&0xC0)>>6
			csizeMult := uint(w[10]&0x03)<<1 | uint(w[11]&0x80)>>7
			total := uint64(csize+1) << (csizeMult + 2) << readBlockLen
			return total, true
		case 1: // CSD version 2.0
			csize := uint32(w[8]&0x3F)<<16 | uint32(w[9])<<8 | uint32(w[10])
			total := uint64(csize+1) * 512 * 1024
			return total, true
		default:
			return 0, false
		}
	}
	return 0, false
}

// Alarm drives the retry backoffs and the detect-settle delay. Every fire
// counts against a fuse shared across the whole operation; exceeding it
// abandons the operation with a timeout.
func (s *SDCard) Alarm() {
	s.alarmCount++
	if s.alarmCount > retryFuse {
		s.state = idleSpi()
		s.afterState = idleSpi()
		s.aState = idleAlarm()
		s.alarmCount = 0
		if s.client != nil {
			s.client.Error(ErrTimeoutFailure)
		}
		return
	}

	a := s.aState
	switch a.tag {
	case alarmDetectionChange:
		s.aState = idleAlarm()
		s.alarmCount = 0
		installed := s.IsInstalled()
		if !installed {
			s.isInitialized = false
		}
		s.publishState()
		if s.pin != nil {
			s.pin.EnableInterrupts(types.EdgeEither)
		}
		if s.client != nil {
			s.client.CardDetectionChanged(installed)
		}

	case alarmRepeatHCSInit:
		write, read, err := s.takeBuffers()
		if err != nil {
			s.failIdle(ErrInitializationFailure)
			return
		}
		s.aState = idleAlarm()
		s.state = spiState{tag: spiSendACmd, acmd: acmd41, arg: 0x40000000}
		s.afterState = spiState{tag: spiInitRepeatHCSInit}
		_ = s.sendCommand(cmd55, 0, write, read, recvLenCommand)

	case alarmRepeatAppSpecificInit:
		write, read, err := s.takeBuffers()
		if err != nil {
			s.failIdle(ErrInitializationFailure)
			return
		}
		s.aState = idleAlarm()
		s.state = spiState{tag: spiSendACmd, acmd: acmd41, arg: 0}
		s.afterState = spiState{tag: spiInitRepeatAppSpecificInit}
		_ = s.sendCommand(cmd55, 0, write, read, recvLenCommand)

	case alarmRepeatGenericInit:
		write, read, err := s.takeBuffers()
		if err != nil {
			s.failIdle(ErrInitializationFailure)
			return
		}
		s.aState = idleAlarm()
		s.state = spiState{tag: spiInitRepeatGenericInit}
		_ = s.sendCommand(cmd1, 0, write, read, recvLenCommand)

	case alarmWaitForDataBlock:
		write, read, err := s.takeBuffers()
		if err != nil {
			s.failIdle(ErrReadFailure)
			return
		}
		s.aState = idleAlarm()
		s.state = spiState{tag: spiWaitReadBlock}
		_ = s.readBytes(write, read, 1)

	case alarmWaitForDataBlocks:
		write, read, err := s.takeBuffers()
		if err != nil {
			s.failIdle(ErrReadFailure)
			return
		}
		s.aState = idleAlarm()
		// clientOffset carries across the wait; accumulation resumes
		// where the last block left off.
		s.state = spiState{tag: spiWaitReadBlocks, count: a.count}
		_ = s.readBytes(write, read, 1)

	case alarmWaitForWriteBusy:
		write, read, err := s.takeBuffers()
		if err != nil {
			s.failIdle(ErrWriteFailure)
			return
		}
		s.aState = idleAlarm()
		s.state = spiState{tag: spiWaitWriteBlockBusy}
		_ = s.readBytes(write, read, 1)
	}
}

// Fired handles a card-detect edge: any in-flight operation is forcibly
// abandoned, then a settle delay runs before the new status is reported
// and the interrupt re-armed.
func (s *SDCard) Fired() {
	if s.busy() {
		s.state = idleSpi()
		s.afterState = idleSpi()
		s.aState = idleAlarm()
		s.alarmCount = 0
		if s.client != nil {
			s.client.Error(ErrCardStateChanged)
		}
	}
	s.isInitialized = false
	if s.pin != nil {
		s.pin.DisableInterrupts()
	}
	s.aState = alarmState{tag: alarmDetectionChange}
	s.alarm.SetAlarm(s.alarm.Now(), s.alarm.TicksFromMS(detectSettleMS))
}

func (s *SDCard) publishState() {
	if s.conn == nil {
		return
	}
	payload := map[string]any{
		"installed":   s.IsInstalled(),
		"initialized": s.isInitialized,
		"type":        s.cardType.String(),
	}
	s.conn.Publish(s.conn.NewMessage(bus.Topic{"sdcard", "state"}, payload, true))
}
