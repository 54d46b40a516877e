package config

import (
	"fmt"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadGlobalConfigFromPath loads and validates the global config at path
func LoadGlobalConfigFromPath(path string, fs FileSystem) (*GlobalConfig, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config GlobalConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if config.ActiveProfile == "" {
		return nil, fmt.Errorf("active_profile not specified in config")
	}
	if err := Validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// Marshal renders a global config as YAML
func Marshal(cfg *GlobalConfig) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// FindLocalConfigWithFS walks up from startDir to find the nearest .chaingraph.yaml file.
// Returns the path to the config file, or empty string if not found
func FindLocalConfigWithFS(startDir string, fs FileSystem) (string, error) {
	currentDir, err := fs.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	for {
		configPath := filepath.Join(currentDir, LocalConfigName)
		if _, err := fs.Stat(configPath); err == nil {
			return configPath, nil
		}

		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			break
		}
		currentDir = parentDir
	}
	return "", nil
}

// LoadLocalConfigWithFS loads and validates a local .chaingraph.yaml file
func LoadLocalConfigWithFS(path string, fs FileSystem) (*LocalConfig, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read local config: %w", err)
	}

	var config LocalConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse local config: %w", err)
	}
	if err := validate.Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid local config %s: %w", path, err)
	}
	return &config, nil
}

func mergeBase(global *GlobalConfig, local *LocalConfig, localConfigDir, home string) (*MergedConfig, *Profile, error) {
	profile, ok := global.Profiles[global.ActiveProfile]
	if !ok {
		return nil, nil, fmt.Errorf("active profile %s not found", global.ActiveProfile)
	}

	merged := &MergedConfig{
		Whitelist:   profile.Whitelist,
		Profile:     WithDefaults(profile, home),
		ProfileName: global.ActiveProfile,
	}
	if local != nil {
		merged.Project = local.Project
		if merged.Project == "" && localConfigDir != "" {
			merged.Project = filepath.Base(localConfigDir)
		}
	}

	// Merge exclude (global + local)
	merged.Exclude = append([]string{}, profile.Exclude...)
	if local != nil {
		resolvedExclude, err := ResolvePaths(localConfigDir, local.Exclude)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to resolve local exclude paths: %w", err)
		}
		merged.Exclude = append(merged.Exclude, resolvedExclude...)
	}

	// Merge blacklist (global + local, regex patterns need no resolution)
	merged.Blacklist = append([]string{}, profile.Blacklist...)
	if local != nil {
		merged.Blacklist = append(merged.Blacklist, local.Blacklist...)
	}
	return merged, profile, nil
}

// MergeConfigForDaemon merges global and local configs with daemon-specific rules.
// Daemon can only ADD to exclude and blacklist
func MergeConfigForDaemon(global *GlobalConfig, local *LocalConfig, localConfigDir, home string) (*MergedConfig, error) {
	merged, profile, err := mergeBase(global, local, localConfigDir, home)
	if err != nil {
		return nil, err
	}
	// The daemon never widens its watch set from a local file
	merged.Include = append([]string{}, profile.Include...)
	return merged, nil
}

// MergeConfigForCLI merges global and local configs with CLI-specific rules.
// CLI can ADD to include (validated), exclude, and blacklist
func MergeConfigForCLI(global *GlobalConfig, local *LocalConfig, localConfigDir, home string) (*MergedConfig, error) {
	merged, profile, err := mergeBase(global, local, localConfigDir, home)
	if err != nil {
		return nil, err
	}

	merged.Include = append([]string{}, profile.Include...)
	if local != nil && len(local.Include) > 0 {
		if err := ValidateIncludeWithinGlobal(local.Include, profile.Include, localConfigDir); err != nil {
			return nil, fmt.Errorf("local include validation failed: %w", err)
		}
		resolvedInclude, err := ResolvePaths(localConfigDir, local.Include)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve local include paths: %w", err)
		}
		merged.Include = append(merged.Include, resolvedInclude...)
	}
	return merged, nil
}

// GetConfigForFileWithFS finds and merges the config governing a record file
// or directory. The project defaults to the name of the directory holding
// the local config, or the record file's directory when there is none.
func GetConfigForFileWithFS(filePath string, global *GlobalConfig, isDaemon bool, fs FileSystem) (*MergedConfig, error) {
	home, err := fs.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	fileDir := filepath.Dir(filePath)

	localConfigPath, err := FindLocalConfigWithFS(fileDir, fs)
	if err != nil {
		return nil, fmt.Errorf("failed to find local config: %w", err)
	}

	merge := MergeConfigForCLI
	if isDaemon {
		merge = MergeConfigForDaemon
	}

	if localConfigPath == "" {
		merged, err := merge(global, nil, "", home)
		if err != nil {
			return nil, err
		}
		merged.Project = filepath.Base(fileDir)
		return merged, nil
	}

	localConfig, err := LoadLocalConfigWithFS(localConfigPath, fs)
	if err != nil {
		return nil, fmt.Errorf("failed to load local config: %w", err)
	}

	merged, err := merge(global, localConfig, filepath.Dir(localConfigPath), home)
	if err != nil {
		return nil, err
	}
	merged.LocalConfigPath = localConfigPath
	return merged, nil
}
