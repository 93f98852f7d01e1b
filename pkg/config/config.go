package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// None disables an optional column mapping argument.
const None = "None"

var ErrBadArgs = errors.New("cqlrep: bad arguments")

type ProcessType string

const (
	ProcessDiscovery   ProcessType = "discovery"
	ProcessReplication ProcessType = "replication"
)

// Args are the positional process arguments, one orchestrator process per
// (tile, process type).
type Args struct {
	JobName                 string
	Tile                    int
	TotalTiles              int
	Process                 ProcessType
	SourceKeyspace          string
	SourceTable             string
	TargetKeyspace          string
	TargetTable             string
	WritetimeColumn         string // None disables
	TTLColumn               string // None disables
	LandingZone             string // s3://bucket/prefix
	ReplicationPointInTime  int64  // epoch millis, 0 disables
	SafeMode                bool
	CleanupRequested        bool
	Mapping                 Mapping
	ReplayLog               bool
}

func (a *Args) HasWritetime() bool { return a.WritetimeColumn != None && a.WritetimeColumn != "" }
func (a *Args) HasTTL() bool       { return a.TTLColumn != None && a.TTLColumn != "" }

// ParseArgs parses the positional argument vector of §6.2. REPLAY_LOG is
// optional and defaults to false.
func ParseArgs(argv []string) (*Args, error) {
	if len(argv) < 15 {
		return nil, fmt.Errorf("%w: want at least 15 args, got %d", ErrBadArgs, len(argv))
	}
	tile, err := strconv.Atoi(argv[1])
	if err != nil {
		return nil, fmt.Errorf("%w: TILE %q", ErrBadArgs, argv[1])
	}
	total, err := strconv.Atoi(argv[2])
	if err != nil {
		return nil, fmt.Errorf("%w: TOTAL_TILES %q", ErrBadArgs, argv[2])
	}
	proc := ProcessType(argv[3])
	if proc != ProcessDiscovery && proc != ProcessReplication {
		return nil, fmt.Errorf("%w: PROCESS_TYPE %q", ErrBadArgs, argv[3])
	}
	pit, err := strconv.ParseInt(argv[11], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: REPLICATION_POINT_IN_TIME %q", ErrBadArgs, argv[11])
	}
	args := &Args{
		JobName:                argv[0],
		Tile:                   tile,
		TotalTiles:             total,
		Process:                proc,
		SourceKeyspace:         argv[4],
		SourceTable:            argv[5],
		TargetKeyspace:         argv[6],
		TargetTable:            argv[7],
		WritetimeColumn:        argv[8],
		TTLColumn:              argv[9],
		LandingZone:            argv[10],
		ReplicationPointInTime: pit,
		SafeMode:               strings.EqualFold(argv[12], "true"),
		CleanupRequested:       strings.EqualFold(argv[13], "true"),
		Mapping:                ParseMapping(argv[14]),
	}
	if len(argv) > 15 {
		args.ReplayLog = strings.EqualFold(argv[15], "true")
	}
	return args, nil
}

// Mapping is the base64-wrapped JSON configuration of §6.1.
type Mapping struct {
	Replication Replication `json:"replication"`
	Keyspaces   Keyspaces   `json:"keyspaces"`
}

type Replication struct {
	AllColumns              bool              `json:"allColumns"`
	Columns                 []string          `json:"columns"`
	UseCustomSerializer     bool              `json:"useCustomSerializer"`
	UseMaterializedView     MaterializedView  `json:"useMaterializedView"`
	FilteringByTokenRanges  TokenRangesFilter `json:"filteringByTokenRanges"`
}

type MaterializedView struct {
	Enabled bool   `json:"enabled"`
	MVName  string `json:"mvName"`
}

type TokenRangesFilter struct {
	Enabled     bool     `json:"enabled"`
	TokenRanges []string `json:"tokenRanges"`
}

type Keyspaces struct {
	CompressionConfig  CompressionConfig  `json:"compressionConfig"`
	LargeObjectsConfig LargeObjectsConfig `json:"largeObjectsConfig"`
	Transformation     Transformation     `json:"transformation"`
}

type CompressionConfig struct {
	Enabled                     bool     `json:"enabled"`
	CompressNonPrimaryColumns   []string `json:"compressNonPrimaryColumns"`
	CompressAllNonPrimaryColumns bool    `json:"compressAllNonPrimaryColumns"`
	TargetNameColumn            string   `json:"targetNameColumn"`
}

type LargeObjectsConfig struct {
	Enabled             bool   `json:"enabled"`
	Column              string `json:"column"`
	Bucket              string `json:"bucket"`
	Prefix              string `json:"prefix"`
	EnableRefByTimeUUID bool   `json:"enableRefByTimeUUID"`
	Xref                string `json:"xref"`
}

type Transformation struct {
	Enabled          bool   `json:"enabled"`
	FilterExpression string `json:"filterExpression"`
}

// ParseMapping decodes the base64 JSON mapping. Any decode or parse
// failure yields the default mapping; the replicator treats a broken
// mapping as configuration absent.
func ParseMapping(b64 string) Mapping {
	var m Mapping
	if b64 == "" || b64 == None {
		return m
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		logrus.Warnf("mapping not decodable, using defaults: %v", err)
		return Mapping{}
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		logrus.Warnf("mapping not parsable, using defaults: %v", err)
		return Mapping{}
	}
	return m
}

// TokenRange is one configured half-open (lo, hi] filter range.
type TokenRange struct {
	Lo int64
	Hi int64
}

func (r TokenRange) Contains(token int64) bool {
	return token > r.Lo && token <= r.Hi
}

// ParseTokenRanges parses the "lo,hi" range strings of the token filter.
func ParseTokenRanges(specs []string) ([]TokenRange, error) {
	ranges := make([]TokenRange, 0, len(specs))
	for _, s := range specs {
		parts := strings.SplitN(s, ",", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: token range %q", ErrBadArgs, s)
		}
		lo, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: token range %q", ErrBadArgs, s)
		}
		hi, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: token range %q", ErrBadArgs, s)
		}
		ranges = append(ranges, TokenRange{Lo: lo, Hi: hi})
	}
	return ranges, nil
}
