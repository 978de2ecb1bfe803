package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/go-playground/validator/v10"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/domain"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/evolution"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/rescue"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/tuning"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/utils"
	"gopkg.in/yaml.v3"
)

var ErrPathOutsideDataDir = errors.New("文件路径必须位于数据目录内")

// RunFile 描述一次优化任务。命令行从 YAML 文件读取，API 从 JSON 请求体解析，
// 两者字段相同，worker 执行时使用保存在数据库中的 JSON
type RunFile struct {
	Kind      domain.RunKind       `json:"kind" yaml:"kind" validate:"required,oneof=rescue tuning campaign"`
	Evolution evolution.Parameters `json:"evolution" yaml:"evolution"`
	Rescue    *RescueRun           `json:"rescue,omitempty" yaml:"rescue" validate:"required_if=Kind rescue"`
	Tuning    *TuningRun           `json:"tuning,omitempty" yaml:"tuning" validate:"required_if=Kind tuning"`
	Campaign  *CampaignRun         `json:"campaign,omitempty" yaml:"campaign" validate:"required_if=Kind campaign"`
}

type RescueRun struct {
	ScenarioFile string           `json:"scenarioFile,omitempty" yaml:"scenario_file" validate:"required_without=Scenario"`
	Scenario     *rescue.Scenario `json:"scenario,omitempty" yaml:"scenario"`
}

type DatasetSource struct {
	Path        string   `json:"path" yaml:"path" validate:"required"`
	Target      string   `json:"target" yaml:"target" validate:"required"`
	Drop        []string `json:"drop" yaml:"drop"`
	Standardize bool     `json:"standardize" yaml:"standardize"`
}

type TuningRun struct {
	Dataset    DatasetSource          `json:"dataset" yaml:"dataset"`
	Algorithm  string                 `json:"algorithm" yaml:"algorithm" validate:"required"`
	Evaluation tuning.EvaluatorConfig `json:"evaluation" yaml:"evaluation"`
}

// CampaignRun 对多个算法、多个指标、多个随机种子分别调优，留出法与交叉验证各运行一次
type CampaignRun struct {
	Dataset      DatasetSource      `json:"dataset" yaml:"dataset"`
	Algorithms   []string           `json:"algorithms" yaml:"algorithms" validate:"required,min=1"`
	Method       tuning.Method      `json:"method" yaml:"method" validate:"required,oneof=classification regression regression_then_classification"`
	Criteria     []tuning.Criterion `json:"criteria" yaml:"criteria" validate:"required,min=1"`
	Runs         int                `json:"runs" yaml:"runs" validate:"omitempty,min=1"`
	Folds        int                `json:"folds" yaml:"folds" validate:"omitempty,min=2"`
	TestFraction float64            `json:"testFraction" yaml:"test_fraction" validate:"omitempty,gt=0,lt=1"`
	CVJobs       int                `json:"cvJobs" yaml:"cv_jobs" validate:"omitempty,min=1"`
}

// NewRunFile 返回带有默认遗传算法参数的任务，解码时未出现的字段保持默认值
func NewRunFile() *RunFile {
	return &RunFile{Evolution: evolution.DefaultParameters()}
}

// LoadRunFile 读取 YAML 任务文件，相对路径以任务文件所在目录为基准
func LoadRunFile(path string) (*RunFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	f := NewRunFile()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(f); err != nil {
		return nil, fmt.Errorf("解析任务文件 %s 失败: %w", path, err)
	}

	validate, trans, err := utils.NewValidator()
	if err != nil {
		return nil, err
	}
	if err := f.Validate(validate); err != nil {
		return nil, utils.TranslateValidationError(err, trans)
	}

	f.resolve(filepath.Dir(path))
	return f, nil
}

func (f *RunFile) applyDefaults() {
	if f.Evolution.Workers < 1 {
		f.Evolution.Workers = 1
	}
	if f.Campaign != nil && f.Campaign.Runs == 0 {
		f.Campaign.Runs = 1
	}
}

// Validate 校验字段取值，以及算法、评估方式和遗传算法参数之间是否匹配
func (f *RunFile) Validate(validate *validator.Validate) error {
	f.applyDefaults()
	if err := validate.Struct(f); err != nil {
		return err
	}
	if err := f.Evolution.Validate(); err != nil {
		return err
	}

	switch f.Kind {
	case domain.RunKindTuning:
		if err := checkAlgorithm(f.Tuning.Algorithm, f.Tuning.Evaluation.Method); err != nil {
			return err
		}
		return checkCriteria(f.Tuning.Evaluation.Method, f.Tuning.Evaluation.Criterion)
	case domain.RunKindCampaign:
		for _, name := range f.Campaign.Algorithms {
			if err := checkAlgorithm(name, f.Campaign.Method); err != nil {
				return err
			}
		}
		return checkCriteria(f.Campaign.Method, f.Campaign.Criteria...)
	}
	return nil
}

func checkCriteria(method tuning.Method, criteria ...tuning.Criterion) error {
	for _, c := range criteria {
		if !slices.Contains(method.Criteria(), c) {
			return fmt.Errorf("%w: 评估方式 %s 不支持指标 %s", tuning.ErrIncompatible, method, c)
		}
	}
	return nil
}

func checkAlgorithm(name string, method tuning.Method) error {
	alg, err := tuning.Lookup(name)
	if err != nil {
		return err
	}
	if alg.Task() != method.Task() {
		return fmt.Errorf("%w: 算法 %s 不能用于 %s", tuning.ErrIncompatible, name, method)
	}
	return nil
}

// Dataset 返回调优任务使用的数据集
func (f *RunFile) Dataset() *DatasetSource {
	switch {
	case f.Tuning != nil:
		return &f.Tuning.Dataset
	case f.Campaign != nil:
		return &f.Campaign.Dataset
	}
	return nil
}

// paths 返回任务中所有引用外部文件的字段
func (f *RunFile) paths() []*string {
	paths := make([]*string, 0, 1)
	if f.Rescue != nil && f.Rescue.ScenarioFile != "" {
		paths = append(paths, &f.Rescue.ScenarioFile)
	}
	if ds := f.Dataset(); ds != nil {
		paths = append(paths, &ds.Path)
	}
	return paths
}

func (f *RunFile) resolve(dir string) {
	for _, p := range f.paths() {
		if !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

// ResolveInDataDir 把任务中的文件路径解析到数据目录下，拒绝绝对路径和跳出目录的路径
func (f *RunFile) ResolveInDataDir(dataDir string) error {
	for _, p := range f.paths() {
		if !filepath.IsLocal(*p) {
			return fmt.Errorf("%w: %s", ErrPathOutsideDataDir, *p)
		}
	}
	f.resolve(dataDir)
	return nil
}

// LoadScenario 读取 YAML 格式的救援场景
func LoadScenario(path string) (rescue.Scenario, error) {
	var s rescue.Scenario

	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("解析场景文件 %s 失败: %w", path, err)
	}
	return s, nil
}

// WriteScenario 把救援场景写成 YAML 文件
func WriteScenario(path string, s rescue.Scenario) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
