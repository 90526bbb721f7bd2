package main

import (
	"encoding/json"
	"fmt"

	"toolmart/internal/app"
	"toolmart/internal/domain"
)

func writeJSON(value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printEntries(entries []domain.RegistryEntry, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("no tools found")
		return nil
	}
	for _, entry := range entries {
		fmt.Printf("%s\t%s\t%s\t%s\n", entry.ID, entry.Version, entry.Type, entry.Name)
	}
	return nil
}

func printToolInfo(info app.ToolInfo, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(info)
	}
	entry := info.Entry
	fmt.Printf("id=%s version=%s type=%s\n", entry.ID, entry.Version, entry.Type)
	fmt.Printf("name=%s\n", entry.Name)
	fmt.Printf("description=%s\n", entry.Description)
	if entry.Category != "" {
		fmt.Printf("category=%s\n", entry.Category)
	}
	if len(entry.Tags) > 0 {
		fmt.Printf("tags=%v\n", entry.Tags)
	}
	if info.Installed != nil {
		fmt.Printf("installed=%s at %s\n", info.Installed.Version, info.Installed.InstalledAt.Format("2006-01-02 15:04:05"))
	} else {
		fmt.Println("installed=no")
	}
	return nil
}

func printRecord(record domain.InstalledToolRecord, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(record)
	}
	fmt.Printf("%s %s installed\n", record.ID, record.Version)
	return nil
}

func printRecords(records []domain.InstalledToolRecord, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(records)
	}
	if len(records) == 0 {
		fmt.Println("no tools installed")
		return nil
	}
	for _, record := range records {
		fmt.Printf("%s\t%s\t%s\t%s\n", record.ID, record.Version, record.Type, record.InstalledAt.Format("2006-01-02"))
	}
	return nil
}

func printPlan(plan domain.UpdatePlan, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(plan)
	}
	if len(plan.Updates) == 0 {
		fmt.Println("everything is up to date")
	}
	for _, candidate := range plan.Updates {
		fmt.Printf("%s\t%s -> %s\n", candidate.ToolID, candidate.FromVersion, candidate.ToVersion)
	}
	for _, id := range plan.Orphaned {
		fmt.Printf("%s\tno longer in registry\n", id)
	}
	for _, id := range plan.Incomparable {
		fmt.Printf("%s\tversion not comparable\n", id)
	}
	return nil
}

func printUpdateResults(results []app.UpdateResult, jsonOutput bool) error {
	if jsonOutput {
		payload := make([]map[string]any, 0, len(results))
		for _, result := range results {
			item := map[string]any{
				"tool_id":      result.ToolID,
				"from_version": result.FromVersion,
				"to_version":   result.ToVersion,
			}
			if result.Err != nil {
				item["error"] = result.Err.Error()
			}
			payload = append(payload, item)
		}
		return writeJSON(payload)
	}
	if len(results) == 0 {
		fmt.Println("everything is up to date")
		return nil
	}
	for _, result := range results {
		if result.Err != nil {
			fmt.Printf("%s\t%s -> %s\tfailed: %s\n", result.ToolID, result.FromVersion, result.ToVersion, result.Err)
			continue
		}
		fmt.Printf("%s\t%s -> %s\tok\n", result.ToolID, result.FromVersion, result.ToVersion)
	}
	return nil
}

func printSnapshotSummary(snap *domain.RegistrySnapshot, jsonOutput bool) error {
	if snap == nil {
		return nil
	}
	if jsonOutput {
		return writeJSON(map[string]any{
			"version":      snap.Version,
			"last_updated": snap.LastUpdated,
			"tools":        len(snap.Tools),
		})
	}
	fmt.Printf("registry version=%s tools=%d\n", snap.Version, len(snap.Tools))
	return nil
}

func printInconsistencies(problems []domain.Inconsistency, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(problems)
	}
	if len(problems) == 0 {
		fmt.Println("ledger and tool directory are consistent")
		return nil
	}
	for _, problem := range problems {
		fmt.Printf("%s\t%s\t%s\n", problem.Kind, problem.ToolID, problem.Detail)
	}
	return nil
}
