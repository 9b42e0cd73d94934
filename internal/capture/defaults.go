package capture

import "camtrace/internal/model"

// Names of the built-in patterns.
const (
	GenericPattern = "generic_camera"
	HostedPattern  = "hosted_chat_camera"
	CameraXPattern = "camerax_in_app"
	SilentPattern  = "silent_camera"
)

const (
	silentMaxScore  = 1.0
	defaultMaxScore = 0
)

// DefaultWeights returns the stock artifact weight table.
func DefaultWeights() WeightTable {
	return WeightTable{
		model.ArtifactDatabaseInsert:        0.5,
		model.ArtifactSilentCameraCapture:   0.5,
		model.ArtifactVibration:             0.4,
		model.ArtifactURIPermissionGrant:    0.35,
		model.ArtifactForegroundService:     0.3,
		model.ArtifactPlayerEvent:           0.3,
		model.ArtifactPlayerCreated:         0.25,
		model.ArtifactMediaExtractor:        0.2,
		model.ArtifactURIPermissionRevoke:   0.2,
		model.ArtifactCameraActivityRefresh: 0.15,
		model.ArtifactPlayerReleased:        0.15,
	}
}

// DefaultHostPackages are chat apps known to launch the system camera.
func DefaultHostPackages() []string {
	return []string{
		"org.telegram.messenger",
		"com.whatsapp",
		"com.kakao.talk",
		"jp.naver.line.android",
		"com.facebook.orca",
	}
}

// DefaultCameraXPackages are apps that capture through an embedded camera.
func DefaultCameraXPackages() []string {
	return []string{
		"org.telegram.messenger",
		"com.instagram.android",
		"com.snapchat.android",
		"com.kakao.talk",
	}
}

// DefaultSilentPackages are shutter-less camera apps.
func DefaultSilentPackages() []string {
	return []string{
		"com.peace.SilentCamera",
		"kr.sira.silentcamera",
		"com.jb.silentcamera",
	}
}

// DefaultPatterns returns the built-in pattern set with the generic
// fallback last.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:     SilentPattern,
			Kind:     KindSilent,
			Packages: DefaultSilentPackages(),
			Credits: []string{
				model.ArtifactSilentCameraCapture,
				model.ArtifactCameraActivityRefresh,
				model.ArtifactVibration,
			},
			Excludes:    []string{model.ArtifactDatabaseInsert, model.ArtifactPlayerEvent},
			Anchor:      []string{model.ArtifactSilentCameraCapture, model.ArtifactVibration},
			Reinterpret: map[string]string{model.EventCameraConnect: model.ArtifactSilentCameraCapture},
			MaxScore:    silentMaxScore,
		},
		{
			Name:     HostedPattern,
			Kind:     KindHosted,
			Packages: DefaultHostPackages(),
			Credits: []string{
				model.ArtifactVibration,
				model.ArtifactPlayerEvent,
				model.ArtifactURIPermissionGrant,
				model.ArtifactForegroundService,
				model.ArtifactPlayerCreated,
				model.ArtifactURIPermissionRevoke,
				model.ArtifactMediaExtractor,
				model.ArtifactCameraActivityRefresh,
				model.ArtifactPlayerReleased,
			},
			Excludes: []string{model.ArtifactDatabaseInsert},
			Anchor:   []string{model.ArtifactURIPermissionGrant, model.ArtifactVibration, model.ArtifactPlayerEvent},
			MaxScore: defaultMaxScore,
		},
		{
			Name:     CameraXPattern,
			Kind:     KindCameraX,
			Packages: DefaultCameraXPackages(),
			Credits: []string{
				model.ArtifactVibration,
				model.ArtifactCameraActivityRefresh,
				model.ArtifactMediaExtractor,
				model.ArtifactPlayerCreated,
			},
			Excludes: []string{model.ArtifactDatabaseInsert, model.ArtifactPlayerEvent},
			Anchor:   []string{model.ArtifactVibration, model.ArtifactCameraActivityRefresh},
			MaxScore: defaultMaxScore,
		},
		{
			Name: GenericPattern,
			Kind: KindGeneric,
			Credits: []string{
				model.ArtifactDatabaseInsert,
				model.ArtifactVibration,
				model.ArtifactForegroundService,
				model.ArtifactPlayerCreated,
				model.ArtifactPlayerReleased,
				model.ArtifactMediaExtractor,
				model.ArtifactCameraActivityRefresh,
			},
			Anchor:   []string{model.ArtifactDatabaseInsert, model.ArtifactVibration},
			MaxScore: defaultMaxScore,
		},
	}
}
