package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/woozymasta/cropstress/internal/config"
	"github.com/woozymasta/cropstress/internal/earthengine"
	"github.com/woozymasta/cropstress/internal/geo"
	"github.com/woozymasta/cropstress/internal/logger"
	"github.com/woozymasta/cropstress/internal/stress"

	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Options struct {
	Logger logger.Logger `group:"Logger options"`

	Lat        float64 `long:"lat" description:"Latitude of the selected point" required:"true"`
	Lon        float64 `long:"lon" description:"Longitude of the selected point" required:"true"`
	Now        string  `long:"now" description:"Reference time (RFC3339), current time if empty"`
	Output     string  `short:"o" long:"out" description:"Output file path. Writes to stdout if empty"`
	Format     string  `short:"f" long:"format" description:"Output format" choice:"json" choice:"yaml" default:"json"`
	Run        bool    `short:"r" long:"run" description:"Run the query against Earth Engine and report bands and map name"`
	ConfigFile string  `short:"c" long:"config" env:"CONFIG_FILE" description:"Path to configuration file, used with --run" default:"config.yaml"`
}

// Report describes the imagery request for one point.
type Report struct {
	Coordinate     geo.Coordinate            `json:"coordinate"`
	DateRange      stress.DateRange          `json:"date_range"`
	AOI            json.RawMessage           `json:"aoi"`
	BandNames      earthengine.Expression    `json:"band_names"`
	Classification earthengine.Expression    `json:"classification"`
	Visualization  earthengine.Visualization `json:"visualization"`
	Legend         []stress.LegendEntry      `json:"legend"`
	Collection     string                    `json:"collection"`
	MapName        string                    `json:"map_name,omitempty"`
	Bands          []string                  `json:"bands,omitempty"`
	CloudThreshold float64                   `json:"cloud_threshold"`
	BufferMeters   float64                   `json:"buffer_meters"`
}

func main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	opts.Logger.Setup()

	now := time.Now()
	if opts.Now != "" {
		t, err := time.Parse(time.RFC3339, opts.Now)
		if err != nil {
			log.Fatal().Err(err).Str("now", opts.Now).Msg("Invalid reference time")
		}
		now = t
	}

	c := geo.Coordinate{Lat: opts.Lat, Lon: opts.Lon}
	if err := c.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid coordinate")
	}

	report, err := NewReport(c, now)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build report")
	}

	if opts.Run {
		if err := runQuery(&report, opts.ConfigFile, now); err != nil {
			log.Fatal().Err(err).Msg("Query failed")
		}
	}

	data, err := Marshal(report, opts.Format)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to marshal report")
	}

	if opts.Output != "" {
		if err := os.WriteFile(opts.Output, data, 0644); err != nil {
			log.Fatal().Err(err).Str("path", opts.Output).Msg("Failed to write output file")
		}
		log.Info().Str("path", opts.Output).Str("format", opts.Format).Msg("Report written")
		return
	}

	fmt.Println(string(data))
}

// NewReport builds the report for a point at the given time.
func NewReport(c geo.Coordinate, now time.Time) (Report, error) {
	q := stress.NewQuery(c, now)

	aoi, err := json.Marshal(q.AOI.FeatureCollection())
	if err != nil {
		return Report{}, fmt.Errorf("encode AOI: %w", err)
	}

	return Report{
		Coordinate:     c,
		DateRange:      q.Dates,
		AOI:            aoi,
		BandNames:      q.BandNames(),
		Classification: q.Classification(),
		Visualization:  stress.Visualization(),
		Legend:         stress.Legend(),
		Collection:     stress.Collection,
		CloudThreshold: stress.CloudThreshold,
		BufferMeters:   geo.BufferMeters,
	}, nil
}

// Marshal encodes the report as indented JSON or as YAML. YAML goes through
// the JSON form so raw expression values keep their shape.
func Marshal(r Report, format string) ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil || format != "yaml" {
		return data, err
	}

	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return yaml.Marshal(generic)
}

func runQuery(r *Report, configFile string, now time.Time) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	res := earthengine.Initialize(ctx, earthengine.AuthOptions{
		Endpoint:        cfg.Auth.Endpoint,
		Project:         cfg.Project,
		CredentialsFile: cfg.Auth.Credentials,
		TokenFile:       cfg.Auth.TokenFile,
	})
	if res.Status != earthengine.Initialized {
		return fmt.Errorf("%s: %w", res.Status, res.Err)
	}

	out, err := stress.NewPipeline(res.Client).
		WithClock(func() time.Time { return now }).
		Run(ctx, r.Coordinate)
	r.Bands = out.Bands.Names()
	r.MapName = out.Layer.Name

	if errors.Is(err, stress.ErrMissingBands) {
		log.Warn().Strs("bands", r.Bands).Msg(stress.MissingBandsNotice)
		return nil
	}
	return err
}
