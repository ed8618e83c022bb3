package ptxjit

import "regexp"

// MarkerPrefix starts the comment that ties a temporary register to a
// kernel parameter: "// <cudalend-ptx-jit-const-load-%rN-P> //".
const MarkerPrefix = "cudalend-ptx-jit-const-load"

var (
	constMarkerRegexp = regexp.MustCompile(
		`// <` + MarkerPrefix + `-(?P<tmpreg>%r\d+)-(?P<param>\d+)> //`)

	constBaseRegisterRegexp = regexp.MustCompile(
		`ld\.global\.u32\s*(?P<tmpreg>%r\d+)\s*,\s*\[(?P<basereg>%r[ds]?\d+)]\s*;`)

	constLoadRegexp = regexp.MustCompile(
		`(?P<instruction>ld\.global` +
			`(?:\.(?P<vector>v[24]))?` +
			`\.(?P<loadtype>[suf])(?P<loadwidth>8|16|32|64)\s*` +
			`(?P<constreg>(?:%[rf][sd]?\d+)|(?:\{(?:\s*%[rf][sd]?\d+,)*\s*%[rf][sd]?\d+\s*\}))` +
			`,\s*\[(?P<basereg>%r[ds]?\d+)(?:\+(?P<loadoffset>\d+))?\]\s*;)`)

	registerRegexp = regexp.MustCompile(`%[rf][sd]?\d+`)
)
