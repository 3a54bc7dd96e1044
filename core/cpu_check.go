package core

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// CPUFeatures describes the vector instruction sets of the host.
type CPUFeatures struct {
	Arch    string
	AVX     bool
	AVX2    bool
	AVX512F bool
	FMA     bool
	NEON    bool
}

// DetectCPUFeatures reports the host CPU capabilities relevant to distance kernels.
func DetectCPUFeatures() CPUFeatures {
	return CPUFeatures{
		Arch:    runtime.GOARCH,
		AVX:     cpu.X86.HasAVX,
		AVX2:    cpu.X86.HasAVX2,
		AVX512F: cpu.X86.HasAVX512F,
		FMA:     cpu.X86.HasFMA,
		NEON:    cpu.ARM64.HasASIMD,
	}
}
