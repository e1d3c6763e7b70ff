package sipass

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/reservio/accessgate/internal/acerr"
	"github.com/reservio/accessgate/internal/models"
)

// Named remote object types cached in driver data. The remote answers either
// a paged {Records: [...]} envelope or a bare list depending on the endpoint.
const (
	objAccessPointGroups  = "access_point_groups"
	objAccessLevels       = "access_levels"
	objWorkgroups         = "workgroups"
	objTimeSchedules      = "time_schedules"
	objCardTechnologies   = "card_technologies"
	objCredentialProfiles = "credential_profiles"
)

var objectEndpoints = map[string]string{
	objAccessPointGroups:  "AccessPointGroups",
	objAccessLevels:       "AccessLevels",
	objWorkgroups:         "WorkGroups",
	objTimeSchedules:      "TimeSchedules",
	objCardTechnologies:   "CardTechnologies",
	objCredentialProfiles: "CredentialProfiles",
}

// fetchObjects loads one object type from the remote and normalizes the
// records to name-keyed maps.
func (d *Driver) fetchObjects(ctx context.Context, objectType string) (map[string]map[string]any, error) {
	endpoint, ok := objectEndpoints[objectType]
	if !ok {
		return nil, fmt.Errorf("unknown object type %q", objectType)
	}

	var raw json.RawMessage
	if err := d.apiGet(ctx, endpoint, nil, &raw); err != nil {
		return nil, err
	}
	records, err := decodeRecords(raw)
	if err != nil {
		return nil, err
	}

	objs := make(map[string]map[string]any, len(records))
	for _, rec := range records {
		obj := normalizeObject(objectType, rec)
		if name, ok := obj["name"].(string); ok && name != "" {
			objs[name] = obj
		}
	}
	return objs, nil
}

// decodeRecords accepts both the paged envelope and a bare list.
func decodeRecords(raw json.RawMessage) ([]map[string]any, error) {
	var envelope struct {
		Records []map[string]any `json:"Records"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Records != nil {
		return envelope.Records, nil
	}
	var bare []map[string]any
	if err := json.Unmarshal(raw, &bare); err != nil {
		return nil, &acerr.RemoteError{Message: "decoding object records", Err: err}
	}
	return bare, nil
}

// normalizeObject maps remote field names onto the keys the install protocol
// uses, keeping the rest of the record intact.
func normalizeObject(objectType string, rec map[string]any) map[string]any {
	obj := make(map[string]any, len(rec)+3)
	for k, v := range rec {
		obj[k] = v
	}
	switch objectType {
	case objCardTechnologies:
		obj["id"] = rec["TechnologyCode"]
		obj["name"] = rec["Name"]
	case objCredentialProfiles:
		obj["id"] = rec["Token"]
		obj["name"] = rec["Name"]
		obj["card_technology_id"] = rec["CardTechnologyCode"]
	default:
		obj["id"] = rec["Token"]
		obj["name"] = rec["Name"]
	}
	if objectType == objAccessPointGroups || objectType == objAccessLevels {
		obj["type"] = objectType[:len(objectType)-1]
	}
	return obj
}

// refreshObjects reloads one object type into the cache under the system
// lock.
func (d *Driver) refreshObjects(ctx context.Context, objectType string) (map[string]map[string]any, error) {
	objs, err := d.fetchObjects(ctx, objectType)
	if err != nil {
		return nil, err
	}

	err = d.env.Store.WithSystemLock(d.system.ID, func() error {
		data, err := d.env.Store.GetDriverData(d.system.ID)
		if err != nil {
			return err
		}
		cache, _ := data["object_cache"].(map[string]any)
		if cache == nil {
			cache = map[string]any{}
		}
		cache[objectType] = objs
		data["object_cache"] = cache
		return d.env.Store.ReplaceDriverData(d.system.ID, data)
	})
	if err != nil {
		return nil, err
	}
	return objs, nil
}

// nukeObjectCache clears the whole cache. Called on any non-success remote
// response.
func (d *Driver) nukeObjectCache() {
	err := d.env.Store.WithSystemLock(d.system.ID, func() error {
		data, err := d.env.Store.GetDriverData(d.system.ID)
		if err != nil {
			return err
		}
		if _, ok := data["object_cache"]; !ok {
			return nil
		}
		data["object_cache"] = map[string]any{}
		return d.env.Store.ReplaceDriverData(d.system.ID, data)
	})
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to clear object cache")
	}
}

// cachedObjects returns the cached objects of one type, which may be nil.
func (d *Driver) cachedObjects(objectType string) (map[string]map[string]any, error) {
	data, err := d.env.Store.GetDriverData(d.system.ID)
	if err != nil {
		return nil, err
	}
	cache, _ := data["object_cache"].(map[string]any)
	typed, _ := cache[objectType].(map[string]any)
	if typed == nil {
		return nil, nil
	}
	objs := make(map[string]map[string]any, len(typed))
	for name, v := range typed {
		if m, ok := v.(map[string]any); ok {
			objs[name] = m
		}
	}
	return objs, nil
}

// objectByName resolves a named remote object. The name comes from the
// binding config when present, the system config otherwise. A cache miss
// triggers a refresh of that object type.
func (d *Driver) objectByName(ctx context.Context, binding *models.Binding, objectType, settingName string) (map[string]any, error) {
	name := binding.DriverConfig.GetString(settingName, "")
	if name == "" {
		name = d.system.DriverConfig.GetString(settingName, "")
	}
	if name == "" {
		return nil, acerr.NewRemoteError("no %s configured (setting %s)", objectType, settingName)
	}

	objs, err := d.cachedObjects(objectType)
	if err != nil {
		return nil, err
	}
	if _, ok := objs[name]; !ok {
		objs, err = d.refreshObjects(ctx, objectType)
		if err != nil {
			return nil, err
		}
	}
	obj, ok := objs[name]
	if !ok {
		return nil, acerr.NewRemoteError("invalid %s name: %s", objectType, name)
	}
	return obj, nil
}
