package flv

// SPSInfo holds the fields of an H.264 Sequence Parameter Set that the
// remuxers need to synthesize container metadata (spec.md §4.2.4).
type SPSInfo struct {
	ProfileIDC uint8
	LevelIDC   uint8
	Width      int
	Height     int
}

// ParseSPS parses enough of an Annex-B/AVCC SPS NAL (header byte included)
// to recover width, height, profile_idc and level_idc. Emulation
// prevention bytes are stripped before parsing per spec.md §4.2.4.
func ParseSPS(nal []byte) (SPSInfo, error) {
	if len(nal) < 4 {
		return SPSInfo{}, ErrMalformedAVCC
	}
	clean := stripEmulationPrevention(nal)
	r := NewBitReader(clean)

	r.ReadNBits(8) // NAL header byte (type/nal_ref_idc)
	profileIDC := uint8(r.ReadNBits(8))
	r.ReadNBits(8) // constraint flags + reserved
	levelIDC := uint8(r.ReadNBits(8))
	r.ReadUE() // seq_parameter_set_id

	chromaFormatIDC := uint32(1)
	switch profileIDC {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		chromaFormatIDC = r.ReadUE()
		if chromaFormatIDC == 3 {
			r.ReadBit() // separate_colour_plane_flag
		}
		r.ReadUE() // bit_depth_luma_minus8
		r.ReadUE() // bit_depth_chroma_minus8
		r.ReadBit() // qpprime_y_zero_transform_bypass_flag
		if r.ReadBit() == 1 { // seq_scaling_matrix_present_flag
			count := 8
			if chromaFormatIDC == 3 {
				count = 12
			}
			for i := 0; i < count; i++ {
				if r.ReadBit() == 1 {
					skipScalingList(r, sizeForScalingIndex(i))
				}
			}
		}
	}

	r.ReadUE() // log2_max_frame_num_minus4
	picOrderCntType := r.ReadUE()
	if picOrderCntType == 0 {
		r.ReadUE() // log2_max_pic_order_cnt_lsb_minus4
	} else if picOrderCntType == 1 {
		r.ReadBit()
		r.ReadSE()
		r.ReadSE()
		numRefFrames := r.ReadUE()
		for i := uint32(0); i < numRefFrames; i++ {
			r.ReadSE()
		}
	}
	r.ReadUE() // max_num_ref_frames
	r.ReadBit() // gaps_in_frame_num_value_allowed_flag

	picWidthInMbsMinus1 := r.ReadUE()
	picHeightInMapUnitsMinus1 := r.ReadUE()
	frameMbsOnly := r.ReadBit()
	if frameMbsOnly == 0 {
		r.ReadBit() // mb_adaptive_frame_field_flag
	}
	r.ReadBit() // direct_8x8_inference_flag

	var cropLeft, cropRight, cropTop, cropBottom uint32
	if r.ReadBit() == 1 { // frame_cropping_flag
		cropLeft = r.ReadUE()
		cropRight = r.ReadUE()
		cropTop = r.ReadUE()
		cropBottom = r.ReadUE()
	}

	width := int((picWidthInMbsMinus1+1)*16) - int(cropLeft+cropRight)*2
	heightMul := uint32(2)
	if frameMbsOnly == 1 {
		heightMul = 1
	}
	height := int((picHeightInMapUnitsMinus1+1)*16*heightMul) - int(cropTop+cropBottom)*2*int(heightMul)

	return SPSInfo{ProfileIDC: profileIDC, LevelIDC: levelIDC, Width: width, Height: height}, nil
}

func sizeForScalingIndex(i int) int {
	if i < 6 {
		return 16
	}
	return 64
}

func skipScalingList(r *BitReader, size int) {
	lastScale := int32(8)
	nextScale := int32(8)
	for j := 0; j < size; j++ {
		if nextScale != 0 {
			delta := r.ReadSE()
			nextScale = (lastScale + delta + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
}
