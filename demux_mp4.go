package ffinput

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"
	"go.uber.org/zap"
)

// mp4MaxRemoteSize caps how much of a remote MP4 is buffered in memory.
const mp4MaxRemoteSize = 512 << 20

// mp4ReorderWindow bounds the number of samples inspected to derive the
// reorder depth from composition offsets.
const mp4ReorderWindow = 64

// mp4Sample is one sample of a track in decode order.
type mp4Sample struct {
	dts    uint64
	cto    int64
	dur    uint32
	sync   bool
	offset uint64 // progressive files: absolute file offset
	size   uint32
	data   []byte // fragmented files: sample payload
}

type mp4Track struct {
	info      StreamInfo
	samples   []mp4Sample
	next      int
	timescale uint32
	paramSets []byte // Annex B SPS/PPS for H.264
	avcc      bool   // payload is length-prefixed H.264
}

// mp4Source demuxes progressive and fragmented ISO-BMFF files.
type mp4Source struct {
	in     *inputStream
	rs     io.ReadSeeker
	tracks []*mp4Track
	closed atomic.Bool
	logger *zap.Logger
}

func init() {
	RegisterDemuxer(Demuxer{
		Name:  "mp4",
		Probe: probeExt("mp4", "m4v", "mov", "3gp"),
		Open:  openMP4,
	})
}

func openMP4(ctx context.Context, in *SourceInput) (Source, error) {
	stream, err := openInput(ctx, in)
	if err != nil {
		return nil, err
	}
	rs, ok := stream.ReadCloser.(io.ReadSeeker)
	if !ok {
		stop := stream.watch(ctx)
		data, err := io.ReadAll(io.LimitReader(stream, mp4MaxRemoteSize+1))
		stop()
		if err != nil {
			stream.Close()
			return nil, err
		}
		if len(data) > mp4MaxRemoteSize {
			stream.Close()
			return nil, &OpenError{Kind: OpenUnsupportedFormat, URL: in.URL, Err: errors.New("remote mp4 too large to buffer")}
		}
		rs = bytes.NewReader(data)
	}

	file, err := mp4.DecodeFile(rs)
	if err != nil {
		stream.Close()
		return nil, &OpenError{Kind: OpenProtocolError, URL: in.URL, Err: fmt.Errorf("decode mp4: %w", err)}
	}

	src := &mp4Source{in: stream, rs: rs, logger: in.Logger}
	if file.IsFragmented() {
		err = src.loadFragmented(file)
	} else {
		err = src.loadProgressive(file)
	}
	if err != nil {
		stream.Close()
		return nil, &OpenError{Kind: OpenProtocolError, URL: in.URL, Err: err}
	}
	return src, nil
}

// trackInfo describes a trak. ok is false for tracks that are neither video
// nor audio.
func trackInfo(index int, trak *mp4.TrakBox) (*mp4Track, bool) {
	if trak.Mdia == nil || trak.Mdia.Hdlr == nil || trak.Mdia.Mdhd == nil {
		return nil, false
	}
	timescale := trak.Mdia.Mdhd.Timescale
	if timescale == 0 {
		timescale = 1000
	}
	t := &mp4Track{
		timescale: timescale,
		info: StreamInfo{
			Index:    index,
			TimeBase: Rational{Num: 1, Den: int(timescale)},
		},
	}
	var entries []mp4.Box
	if trak.Mdia.Minf != nil && trak.Mdia.Minf.Stbl != nil && trak.Mdia.Minf.Stbl.Stsd != nil {
		entries = trak.Mdia.Minf.Stbl.Stsd.Children
	}

	switch trak.Mdia.Hdlr.HandlerType {
	case "vide":
		t.info.MediaType = MediaTypeVideo
		for _, child := range entries {
			vse, ok := child.(*mp4.VisualSampleEntryBox)
			if !ok {
				continue
			}
			t.info.CodecName = vse.Type()
			t.info.Codec = CodecFromName(vse.Type())
			t.info.Width = int(vse.Width)
			t.info.Height = int(vse.Height)
			if vse.AvcC != nil {
				t.avcc = true
				t.info.Codec = CodecH264
				t.info.CodecName = CodecH264.String()
				t.paramSets = joinAnnexB(append(append([][]byte{}, vse.AvcC.SPSnalus...), vse.AvcC.PPSnalus...)...)
				t.info.Extradata = t.paramSets
				if w, h, ok := h264Geometry(t.paramSets); ok {
					t.info.Width, t.info.Height = w, h
				}
			}
			break
		}
		if t.info.Codec == CodecH264 || t.info.Codec == CodecMJPEG || t.info.Codec == CodecVP9 || t.info.Codec == CodecAV1 {
			t.info.PixelFormat = PixelFormatI420
		}
	case "soun":
		t.info.MediaType = MediaTypeAudio
		t.info.Codec = CodecAudio
		t.info.CodecName = "audio"
		if len(entries) > 0 {
			t.info.CodecName = entries[0].Type()
		}
	default:
		return nil, false
	}
	return t, true
}

func (s *mp4Source) loadProgressive(file *mp4.File) error {
	if file.Moov == nil {
		return errors.New("no moov box found")
	}
	for _, trak := range file.Moov.Traks {
		t, ok := trackInfo(len(s.tracks), trak)
		if !ok {
			continue
		}
		stbl := trak.Mdia.Minf.Stbl
		if stbl == nil || stbl.Stsz == nil || stbl.Stsc == nil {
			return fmt.Errorf("track %d: no sample table", trak.Tkhd.TrackID)
		}

		syncSamples := make(map[uint32]bool)
		if stbl.Stss != nil {
			for _, nr := range stbl.Stss.SampleNumber {
				syncSamples[nr] = true
			}
		}

		count := stbl.Stsz.SampleNumber
		t.samples = make([]mp4Sample, 0, count)
		for nr := uint32(1); nr <= count; nr++ {
			offset, err := sampleOffset(stbl, nr)
			if err != nil {
				return fmt.Errorf("track %d sample %d: %w", trak.Tkhd.TrackID, nr, err)
			}
			var dts uint64
			var dur uint32
			if stbl.Stts != nil {
				dts, dur = stbl.Stts.GetDecodeTime(nr)
			}
			var cto int64
			if stbl.Ctts != nil {
				cto = int64(stbl.Ctts.GetCompositionTimeOffset(nr))
			}
			t.samples = append(t.samples, mp4Sample{
				dts:    dts,
				cto:    cto,
				dur:    dur,
				sync:   stbl.Stss == nil || syncSamples[nr],
				offset: offset,
				size:   stbl.Stsz.GetSampleSize(int(nr)),
			})
		}
		t.finish()
		s.tracks = append(s.tracks, t)
	}
	return nil
}

// sampleOffset locates a sample of a progressive file.
func sampleOffset(stbl *mp4.StblBox, sampleNr uint32) (uint64, error) {
	chunkNr, firstSampleInChunk, err := stbl.Stsc.ChunkNrFromSampleNr(int(sampleNr))
	if err != nil {
		return 0, fmt.Errorf("get chunk nr: %w", err)
	}
	var chunkOffset uint64
	switch {
	case stbl.Stco != nil:
		if chunkOffset, err = stbl.Stco.GetOffset(chunkNr); err != nil {
			return 0, fmt.Errorf("get chunk offset: %w", err)
		}
	case stbl.Co64 != nil:
		if chunkNr < 1 || chunkNr > len(stbl.Co64.ChunkOffset) {
			return 0, errors.New("chunk nr out of range")
		}
		chunkOffset = stbl.Co64.ChunkOffset[chunkNr-1]
	default:
		return 0, errors.New("no stco or co64 box")
	}
	offset := chunkOffset
	for nr := uint32(firstSampleInChunk); nr < sampleNr; nr++ {
		offset += uint64(stbl.Stsz.GetSampleSize(int(nr)))
	}
	return offset, nil
}

func (s *mp4Source) loadFragmented(file *mp4.File) error {
	if file.Init == nil || file.Init.Moov == nil {
		return errors.New("no init segment found")
	}
	byID := make(map[uint32]*mp4Track)
	trexs := make(map[uint32]*mp4.TrexBox)
	if file.Init.Moov.Mvex != nil {
		for _, trex := range file.Init.Moov.Mvex.Trexs {
			trexs[trex.TrackID] = trex
		}
	}
	for _, trak := range file.Init.Moov.Traks {
		t, ok := trackInfo(len(s.tracks), trak)
		if !ok {
			continue
		}
		byID[trak.Tkhd.TrackID] = t
		s.tracks = append(s.tracks, t)
	}

	for _, seg := range file.Segments {
		for _, frag := range seg.Fragments {
			if frag.Moof == nil || frag.Moof.Traf == nil || frag.Moof.Traf.Tfhd == nil {
				continue
			}
			traf := frag.Moof.Traf
			t, ok := byID[traf.Tfhd.TrackID]
			if !ok {
				continue
			}
			samples, err := frag.GetFullSamples(trexs[traf.Tfhd.TrackID])
			if err != nil {
				return fmt.Errorf("get samples: %w", err)
			}
			var decodeTime uint64
			if traf.Tfdt != nil {
				decodeTime = traf.Tfdt.BaseMediaDecodeTime()
			} else if n := len(t.samples); n > 0 {
				last := t.samples[n-1]
				decodeTime = last.dts + uint64(last.dur)
			}
			for _, fs := range samples {
				t.samples = append(t.samples, mp4Sample{
					dts:  decodeTime,
					cto:  int64(fs.CompositionTimeOffset),
					dur:  fs.Dur,
					sync: isSyncSampleFlags(fs.Flags),
					size: uint32(len(fs.Data)),
					data: fs.Data,
				})
				decodeTime += uint64(fs.Dur)
			}
		}
	}
	for _, t := range s.tracks {
		t.finish()
	}
	return nil
}

// isSyncSampleFlags checks sample_is_non_sync_sample (ISO/IEC 14496-12 8.8.3.1).
func isSyncSampleFlags(flags uint32) bool {
	return flags&0x00010000 == 0
}

// finish derives frame rates and the reorder depth from the sample table.
func (t *mp4Track) finish() {
	if t.info.MediaType != MediaTypeVideo || len(t.samples) == 0 {
		return
	}
	if d := t.samples[0].dur; d > 0 {
		t.info.FrameRate = reduce(Rational{Num: int(t.timescale), Den: int(d)})
	}
	var total uint64
	for _, s := range t.samples {
		total += uint64(s.dur)
	}
	if total > 0 {
		t.info.AvgFrameRate = reduce(Rational{Num: len(t.samples) * int(t.timescale), Den: int(total)})
	}

	// Depth is the largest number of earlier (decode order) samples that
	// present after a given sample.
	n := min(len(t.samples), mp4ReorderWindow)
	depth := 0
	for i := 0; i < n; i++ {
		pi := int64(t.samples[i].dts) + t.samples[i].cto
		later := 0
		for j := 0; j < i; j++ {
			if int64(t.samples[j].dts)+t.samples[j].cto > pi {
				later++
			}
		}
		depth = max(depth, later)
	}
	t.info.ReorderDepth = depth
}

func reduce(r Rational) Rational {
	a, b := r.Num, r.Den
	for b != 0 {
		a, b = b, a%b
	}
	if a <= 1 {
		return r
	}
	return Rational{Num: r.Num / a, Den: r.Den / a}
}

func (s *mp4Source) Streams() []StreamInfo {
	out := make([]StreamInfo, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t.info
	}
	return out
}

// ReadPacket interleaves the tracks by decode time.
func (s *mp4Source) ReadPacket(ctx context.Context) (*Packet, error) {
	if s.closed.Load() {
		return nil, fatalIO(ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var pick *mp4Track
	var pickTime float64
	for _, t := range s.tracks {
		if t.next >= len(t.samples) {
			continue
		}
		ts := float64(t.samples[t.next].dts) / float64(t.timescale)
		if pick == nil || ts < pickTime {
			pick, pickTime = t, ts
		}
	}
	if pick == nil {
		return nil, ErrEndOfStream
	}
	sample := pick.samples[pick.next]
	pick.next++

	data := sample.data
	if data == nil {
		data = make([]byte, sample.size)
		if _, err := s.rs.Seek(int64(sample.offset), io.SeekStart); err != nil {
			return nil, fatalIO(fmt.Errorf("seek to sample: %w", err))
		}
		if _, err := io.ReadFull(s.rs, data); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				s.logger.Warn("mp4 sample beyond end of file", zap.Int("stream", pick.info.Index))
				return &Packet{StreamIndex: pick.info.Index, Corrupt: true, PTS: NoPTS, DTS: NoPTS, TimeBase: pick.info.TimeBase, ReceivedAt: time.Now()}, nil
			}
			return nil, classifyReadError(err)
		}
	}
	if pick.avcc {
		data = avccToAnnexB(data)
		if sample.sync {
			data = withParameterSets(pick.paramSets, data)
		}
	}

	return &Packet{
		StreamIndex: pick.info.Index,
		Data:        data,
		PTS:         int64(sample.dts) + sample.cto,
		DTS:         int64(sample.dts),
		Duration:    int64(sample.dur),
		TimeBase:    pick.info.TimeBase,
		KeyFrame:    sample.sync,
		ReceivedAt:  time.Now(),
	}, nil
}

func (s *mp4Source) Close() error {
	s.closed.Store(true)
	return s.in.Close()
}
