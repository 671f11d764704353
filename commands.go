package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/wastesense/internal/auth"
	"github.com/example/wastesense/internal/capture"
	"github.com/example/wastesense/internal/catalog"
	"github.com/example/wastesense/internal/classifier"
	"github.com/example/wastesense/internal/config"
	"github.com/example/wastesense/internal/export"
	"github.com/example/wastesense/internal/geo"
	"github.com/example/wastesense/internal/logging"
	"github.com/example/wastesense/internal/repository"
	"github.com/example/wastesense/internal/verifier"
)

type configLoader func() (*config.Config, error)

// localCheck is the verification printed by the offline commands.
type localCheck struct {
	Mode         catalog.Mode        `json:"mode"`
	Position     *geo.Position       `json:"position,omitempty"`
	View         catalog.View        `json:"view"`
	Bins         []verifier.Bin      `json:"bins"`
	NearbyBins   []catalog.NearbyBin `json:"nearby_bins,omitempty"`
	Verification *verifier.Result    `json:"verification,omitempty"`
	RadiusMeters float64             `json:"radius_meters,omitempty"`
}

type positionFlags struct {
	lat, lng float64
}

func (p *positionFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&p.lat, "lat", 0, "latitude in degrees")
	cmd.Flags().Float64Var(&p.lng, "lng", 0, "longitude in degrees")
}

// position returns nil when neither flag was given.
func (p *positionFlags) position(cmd *cobra.Command) (*geo.Position, error) {
	latSet, lngSet := cmd.Flags().Changed("lat"), cmd.Flags().Changed("lng")
	if !latSet && !lngSet {
		return nil, nil
	}
	if latSet != lngSet {
		return nil, fmt.Errorf("%w: --lat and --lng must be given together", geo.ErrInvalidInput)
	}
	pos := &geo.Position{Latitude: p.lat, Longitude: p.lng}
	if err := pos.Validate(); err != nil {
		return nil, err
	}
	return pos, nil
}

func resolveMode(raw string, fallback catalog.Mode) (catalog.Mode, error) {
	if raw == "" {
		return fallback, nil
	}
	return catalog.ParseMode(raw)
}

func radiusOrDefault(cmd *cobra.Command, flagValue float64, cfg *config.Config) (float64, error) {
	if !cmd.Flags().Changed("radius") {
		return cfg.ViolationRadiusMeters, nil
	}
	if !(flagValue > 0) || math.IsInf(flagValue, 0) {
		return 0, fmt.Errorf("%w: --radius must be a positive number of meters, got %v", geo.ErrInvalidInput, flagValue)
	}
	return flagValue, nil
}

func newVerifyCmd(loadConfig configLoader) *cobra.Command {
	var (
		pos      positionFlags
		category string
		mode     string
		radius   float64
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a disposal against the bin catalog without an image",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			user, err := pos.position(cmd)
			if err != nil {
				return err
			}
			if user == nil {
				return fmt.Errorf("%w: --lat and --lng are required", geo.ErrInvalidInput)
			}
			m, err := resolveMode(mode, cfg.DefaultMode)
			if err != nil {
				return err
			}
			radiusMeters, err := radiusOrDefault(cmd, radius, cfg)
			if err != nil {
				return err
			}
			out, err := checkLocally(m, user, verifier.WasteCategory(category), radiusMeters)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	pos.register(cmd)
	cmd.Flags().StringVar(&category, "category", "", "waste category, e.g. Plastic or E-Waste")
	cmd.Flags().StringVar(&mode, "mode", "", "catalog mode: campus or global")
	cmd.Flags().Float64Var(&radius, "radius", verifier.DefaultViolationRadiusMeters, "violation radius in meters")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func newBinsCmd(loadConfig configLoader) *cobra.Command {
	var (
		pos     positionFlags
		mode    string
		radius  float64
		nearest int
	)
	cmd := &cobra.Command{
		Use:   "bins",
		Short: "List the bin catalog and the bins near a position",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			user, err := pos.position(cmd)
			if err != nil {
				return err
			}
			m, err := resolveMode(mode, cfg.DefaultMode)
			if err != nil {
				return err
			}

			provider := catalog.NewProvider()
			bins, err := provider.Bins(m, user)
			if err != nil {
				return err
			}
			out := localCheck{Mode: m, Position: user, View: provider.View(m, user), Bins: bins}
			if user != nil {
				idx, err := catalog.NewIndex(bins)
				if err != nil {
					return err
				}
				if nearest > 0 {
					out.NearbyBins, err = idx.Nearest(*user, nearest)
				} else {
					out.NearbyBins, err = idx.Within(*user, radius)
					out.RadiusMeters = radius
				}
				if err != nil {
					return err
				}
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	pos.register(cmd)
	cmd.Flags().StringVar(&mode, "mode", "", "catalog mode: campus or global")
	cmd.Flags().Float64Var(&radius, "radius", 500, "nearby radius in meters")
	cmd.Flags().IntVar(&nearest, "nearest", 0, "list the k closest bins instead of a radius search")
	return cmd
}

func newScanCmd(loadConfig configLoader) *cobra.Command {
	var (
		pos   positionFlags
		image string
		mode  string
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Classify an image file and verify the disposal locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			user, err := pos.position(cmd)
			if err != nil {
				return err
			}
			m, err := resolveMode(mode, cfg.DefaultMode)
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			client, closeClient, err := newClassifier(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeClient() //nolint:errcheck

			var pred *classifier.Prediction
			err = capture.WithSource(ctx, capture.NewFileSource(image), func(frame *capture.Frame) error {
				var classifyErr error
				pred, classifyErr = client.Classify(ctx, frame.Data, frame.Filename)
				return classifyErr
			})
			if err != nil {
				return err
			}
			pred.FillImpact()

			result := struct {
				Prediction *classifier.Prediction `json:"prediction"`
				*localCheck
			}{Prediction: pred}
			if user != nil {
				if result.localCheck, err = checkLocally(m, user, pred.WasteType, cfg.ViolationRadiusMeters); err != nil {
					return err
				}
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	pos.register(cmd)
	cmd.Flags().StringVar(&image, "image", "", "path to the image file")
	cmd.Flags().StringVar(&mode, "mode", "", "catalog mode: campus or global")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

type remoteFlags struct {
	server string
	token  string
}

func (r *remoteFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&r.server, "server", "http://127.0.0.1:8080", "base URL of a running wastesense API")
	cmd.Flags().StringVar(&r.token, "token", "", "bearer token; minted from JWT_SECRET when empty")
}

func newStatsCmd(loadConfig configLoader) *cobra.Command {
	var remote remoteFlags
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print scan counts per waste category from a running service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemote(cmd, loadConfig, remote, "/stats")
		},
	}
	remote.register(cmd)
	return cmd
}

func newHeatmapCmd(loadConfig configLoader) *cobra.Command {
	var remote remoteFlags
	cmd := &cobra.Command{
		Use:   "heatmap",
		Short: "Print the locations of recent scans from a running service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemote(cmd, loadConfig, remote, "/heatmap")
		},
	}
	remote.register(cmd)
	return cmd
}

func runRemote(cmd *cobra.Command, loadConfig configLoader, remote remoteFlags, path string) error {
	token := remote.token
	if token == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if token, err = auth.IssueToken(cfg.JWTSecret, cfg.JWTAudience, "wastesense-cli", 5*time.Minute); err != nil {
			return err
		}
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	body, err := fetchJSON(ctx, strings.TrimRight(remote.server, "/")+path, token)
	if err != nil {
		return err
	}
	var payload interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return writeJSON(cmd.OutOrStdout(), payload)
}

func fetchJSON(ctx context.Context, url, token string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func newExportCmd(loadConfig configLoader) *cobra.Command {
	var (
		out   string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write stored scans to an xlsx workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			db, err := openDatabase(ctx, cfg.DatabaseDSN, gormlogger.Silent)
			if err != nil {
				return err
			}
			scans, err := repository.NewScanRepository(db, logger).ListScans(ctx, limit)
			if err != nil {
				return err
			}
			return writeWorkbook(out, scans)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "wastesense-scans.xlsx", "output file")
	cmd.Flags().IntVar(&limit, "limit", 10000, "maximum number of scans, newest first")
	return cmd
}

func writeWorkbook(path string, scans []*repository.ScanLog) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return export.WriteScans(f, scans)
}

// checkLocally runs the verifier against the catalog for mode.
func checkLocally(mode catalog.Mode, user *geo.Position, category verifier.WasteCategory, radius float64) (*localCheck, error) {
	provider := catalog.NewProvider()
	bins, err := provider.Bins(mode, user)
	if err != nil {
		return nil, err
	}
	v := verifier.New(verifier.Config{ViolationRadiusMeters: radius})
	result, err := v.Verify(*user, category, bins)
	if err != nil {
		return nil, err
	}
	idx, err := catalog.NewIndex(bins)
	if err != nil {
		return nil, err
	}
	nearby, err := idx.Within(*user, 500)
	if err != nil {
		return nil, err
	}
	return &localCheck{
		Mode:         mode,
		Position:     user,
		View:         provider.View(mode, user),
		Bins:         bins,
		NearbyBins:   nearby,
		Verification: &result,
		RadiusMeters: v.Radius(),
	}, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
