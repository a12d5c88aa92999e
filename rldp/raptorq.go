// Package rldp implements the Reliable Large Datagram Protocol: bulk
// transfer over ADNL custom messages, FEC-coded with a RaptorQ-shaped
// packet-scheduling contract (spec.md section 4.7) backed by
// klauspost/reedsolomon's erasure-coding engine (see SPEC_FULL.md's domain
// stack section and DESIGN.md for why: no Go RaptorQ/RFC 6330 library
// exists anywhere in the retrieved corpus).
package rldp

import (
	"github.com/klauspost/reedsolomon"
	"github.com/pkg/errors"
)

// SymbolSize is the fixed transmission unit, spec.md section 4.7 and 6.
const SymbolSize = 768

// maxDataShardsPerBlock bounds each erasure-coding block so data+parity
// shards never exceed the classic GF(256) Reed-Solomon shard-count limit
// of 256 that klauspost/reedsolomon's default Vandermonde matrices assume.
const maxDataShardsPerBlock = 128

// FecType declares a transfer's RaptorQ-shaped parameters, carried on the
// wire in every MessagePart per spec.md section 6.
type FecType struct {
	DataSize     uint32
	SymbolSize   uint32
	SymbolsCount uint32
}

// ErrFailedToEncode, ErrParametersRejected and ErrDecodeFailed (the codec's
// three failure modes) are declared once in errors.go as part of this
// package's typed Kind taxonomy, shared with the transfer/node layer.

type blockPlan struct {
	dataCount    int
	parityCount  int
	symbolOffset uint32 // first encoding_symbol_id this block's source shards use
}

// planBlocks partitions a payload of dataSize bytes (symbolSize each) into
// one or more erasure-coding blocks, deterministically, so an encoder and a
// decoder constructed independently from the same (dataSize, symbolSize)
// agree on the partition without needing to exchange it.
func planBlocks(dataSize, symbolSize uint32) []blockPlan {
	if symbolSize == 0 {
		return nil
	}
	totalSymbols := int((dataSize + symbolSize - 1) / symbolSize)
	if totalSymbols == 0 {
		totalSymbols = 1
	}

	var plans []blockPlan
	offset := uint32(0)
	remaining := totalSymbols
	for remaining > 0 {
		n := remaining
		if n > maxDataShardsPerBlock {
			n = maxDataShardsPerBlock
		}
		plans = append(plans, blockPlan{dataCount: n, parityCount: n, symbolOffset: offset})
		offset += uint32(n)
		remaining -= n
	}
	return plans
}

type encoderBlock struct {
	plan    blockPlan
	enc     reedsolomon.Encoder
	shards  [][]byte // dataCount source shards followed by parityCount parity shards
}

func buildEncoderBlock(plan blockPlan, data []byte, symbolSize uint32) (*encoderBlock, error) {
	enc, err := reedsolomon.New(plan.dataCount, plan.parityCount)
	if err != nil {
		return nil, errors.Wrap(err, "construct reed-solomon block encoder")
	}
	shards := make([][]byte, plan.dataCount+plan.parityCount)
	for i := 0; i < plan.dataCount; i++ {
		shard := make([]byte, symbolSize)
		start := i * int(symbolSize)
		if start < len(data) {
			end := start + int(symbolSize)
			if end > len(data) {
				end = len(data)
			}
			copy(shard, data[start:end])
		}
		shards[i] = shard
	}
	for i := plan.dataCount; i < len(shards); i++ {
		shards[i] = make([]byte, symbolSize)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, errors.Wrap(err, "compute parity shards")
	}
	return &encoderBlock{plan: plan, enc: enc, shards: shards}, nil
}

// sourcePacket is one buffered source symbol awaiting transmission.
type sourcePacket struct {
	data             []byte
	encodingSymbolID uint32
	blockIndex       int
}

// RaptorQEncoder implements spec.md section 4.7's bit-exact draining
// contract: source packets first (reversed within each block, blocks
// concatenated in construction order), then repair packets round-robined
// across block encoders.
type RaptorQEncoder struct {
	params FecType
	blocks []*encoderBlock

	sourcePackets []sourcePacket // drained from the back (LIFO = reversed order)
	encoderIndex  int
}

// NewRaptorQEncoder builds an encoder over data, computing parity shards
// for every block up front (mirroring the reference encoder's
// with_defaults, which also builds its block encoders eagerly).
func NewRaptorQEncoder(data []byte) (*RaptorQEncoder, error) {
	plans := planBlocks(uint32(len(data)), SymbolSize)
	if len(plans) == 0 {
		return nil, errors.New("rldp: empty payload")
	}

	e := &RaptorQEncoder{
		params: FecType{
			DataSize:   uint32(len(data)),
			SymbolSize: SymbolSize,
		},
	}

	for blockIdx, plan := range plans {
		start := int(plan.symbolOffset) * SymbolSize
		end := start + plan.dataCount*SymbolSize
		if end > len(data) {
			end = len(data)
		}
		blk, err := buildEncoderBlock(plan, data[start:end], SymbolSize)
		if err != nil {
			return nil, err
		}
		e.blocks = append(e.blocks, blk)
		e.params.SymbolsCount += uint32(plan.dataCount)

		// Reversed within each block, per spec.md section 4.7: the
		// reference library's get_block_encoders()...source_packets()
		// iterator is drained back-to-front with .rev().
		for i := plan.dataCount - 1; i >= 0; i-- {
			e.sourcePackets = append(e.sourcePackets, sourcePacket{
				data:             blk.shards[i],
				encodingSymbolID: plan.symbolOffset + uint32(i),
				blockIndex:       blockIdx,
			})
		}
	}

	return e, nil
}

// Params returns the FEC parameters a MessagePart advertises to the
// receiver.
func (e *RaptorQEncoder) Params() FecType { return e.params }

// Encode returns the next packet to send, along with the index of the block
// it was drawn from -- carried on the wire in MessagePart.Part so the
// receiver's decoder can address the matching block directly instead of
// guessing from the symbol id alone, since repair symbol ids are only
// unique within a block, never across the whole transfer. If any buffered
// source packet remains, it is popped and *seqno is rewritten to its
// encoding_symbol_id; otherwise exactly one repair packet is drawn from the
// block encoder at encoderIndex for the caller-provided *seqno (left
// unmodified), and encoderIndex advances modulo the block count. The
// decoder reads any id inside a block's source range as that source symbol,
// so a repair packet is only recognised as one when its seqno is at least
// Params().SymbolsCount.
func (e *RaptorQEncoder) Encode(seqno *uint32) ([]byte, int, error) {
	if n := len(e.sourcePackets); n > 0 {
		pkt := e.sourcePackets[n-1]
		e.sourcePackets = e.sourcePackets[:n-1]
		*seqno = pkt.encodingSymbolID
		return pkt.data, pkt.blockIndex, nil
	}

	if len(e.blocks) == 0 {
		return nil, 0, ErrFailedToEncode
	}
	blockIndex := e.encoderIndex
	blk := e.blocks[blockIndex]
	if blk.plan.parityCount == 0 {
		return nil, 0, ErrFailedToEncode
	}
	repairIdx := int(*seqno) % blk.plan.parityCount
	packet := blk.shards[blk.plan.dataCount+repairIdx]
	e.encoderIndex = (e.encoderIndex + 1) % len(e.blocks)
	return packet, blockIndex, nil
}

// decoderBlock accumulates received shards for one block until it has
// enough (any dataCount of dataCount+parityCount) to reconstruct.
type decoderBlock struct {
	plan     blockPlan
	enc      reedsolomon.Encoder
	shards   [][]byte
	received int
	done     bool
}

// RaptorQDecoder reassembles a payload from source/repair symbols carried
// in MessageParts, used both by RLDP transfer receivers and by the overlay
// shard's FEC broadcast reassembly.
type RaptorQDecoder struct {
	params FecType
	blocks []*decoderBlock
	done   bool
}

// NewRaptorQDecoder allocates a decoder for a sender's declared parameters,
// rejecting ones that exceed configured bounds (spec.md section 4.6).
func NewRaptorQDecoder(params FecType, maxDataSize uint32) (*RaptorQDecoder, error) {
	if params.SymbolSize == 0 || params.SymbolSize > 4096 {
		return nil, ErrParametersRejected
	}
	if maxDataSize > 0 && params.DataSize > maxDataSize {
		return nil, ErrParametersRejected
	}

	plans := planBlocks(params.DataSize, params.SymbolSize)
	if len(plans) == 0 {
		return nil, ErrParametersRejected
	}
	var total uint32
	for _, p := range plans {
		total += uint32(p.dataCount)
	}
	if total != params.SymbolsCount {
		return nil, ErrParametersRejected
	}

	d := &RaptorQDecoder{params: params}
	for _, plan := range plans {
		enc, err := reedsolomon.New(plan.dataCount, plan.parityCount)
		if err != nil {
			return nil, errors.Wrap(err, "construct reed-solomon block decoder")
		}
		d.blocks = append(d.blocks, &decoderBlock{
			plan:   plan,
			enc:    enc,
			shards: make([][]byte, plan.dataCount+plan.parityCount),
		})
	}
	return d, nil
}

// shardIndex locates a symbol's local shard slot within its own block: a
// source symbol's encoding_symbol_id falls in the block's
// [symbolOffset, symbolOffset+dataCount) range; anything else is a repair
// symbol, addressed by symbolID % parityCount, mirroring the encoder's own
// repairIdx computation.
func (blk *decoderBlock) shardIndex(symbolID uint32) (int, bool) {
	if symbolID >= blk.plan.symbolOffset && symbolID < blk.plan.symbolOffset+uint32(blk.plan.dataCount) {
		return int(symbolID - blk.plan.symbolOffset), true
	}
	if blk.plan.parityCount == 0 {
		return 0, false
	}
	return blk.plan.dataCount + int(symbolID)%blk.plan.parityCount, true
}

// Feed contributes one received symbol, identified by the block it belongs
// to (carried on the wire in MessagePart.Part) and its symbol id within that
// block. Repair symbol ids are only unique within a block, so the caller
// must supply blockIndex rather than have it inferred from symbolID alone.
// It returns done=true once every block has reconstructed and Payload() is
// ready to call.
func (d *RaptorQDecoder) Feed(blockIndex int, symbolID uint32, data []byte) (done bool, err error) {
	if d.done {
		return true, nil
	}
	if blockIndex < 0 || blockIndex >= len(d.blocks) {
		return false, errors.Errorf("rldp: block index %d out of range", blockIndex)
	}
	blk := d.blocks[blockIndex]
	idx, ok := blk.shardIndex(symbolID)
	if !ok {
		return false, errors.Errorf("rldp: symbol id %d out of range for block %d", symbolID, blockIndex)
	}
	if blk.done {
		return d.allBlocksDone(), nil
	}
	if blk.shards[idx] == nil {
		cp := make([]byte, len(data))
		copy(cp, data)
		blk.shards[idx] = cp
		blk.received++
	}
	if blk.received >= blk.plan.dataCount {
		if err := blk.enc.Reconstruct(blk.shards); err != nil {
			return false, errors.Wrap(err, "reconstruct block")
		}
		blk.done = true
	}
	done = d.allBlocksDone()
	d.done = done
	return done, nil
}

func (d *RaptorQDecoder) allBlocksDone() bool {
	for _, blk := range d.blocks {
		if !blk.done {
			return false
		}
	}
	return true
}

// Payload concatenates every block's reconstructed source shards and trims
// to the declared data size, returning the exact original bytes.
func (d *RaptorQDecoder) Payload() ([]byte, error) {
	if !d.allBlocksDone() {
		return nil, ErrDecodeFailed
	}
	out := make([]byte, 0, len(d.blocks)*maxDataShardsPerBlock*int(d.params.SymbolSize))
	for _, blk := range d.blocks {
		for i := 0; i < blk.plan.dataCount; i++ {
			out = append(out, blk.shards[i]...)
		}
	}
	if uint32(len(out)) < d.params.DataSize {
		return nil, ErrDecodeFailed
	}
	return out[:d.params.DataSize], nil
}
