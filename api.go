package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

// uploads larger than this are rejected locally before any network call
var maxAssetByteCount = mib(16)

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// client for the remote write/read api. one endpoint per operation kind,
// plus asset upload, realtime negotiation, and auth.
type MarketdayApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewMarketdayApi(apiUrl string) *MarketdayApi {
	return NewMarketdayApiWithContext(context.Background(), apiUrl)
}

func NewMarketdayApiWithContext(ctx context.Context, apiUrl string) *MarketdayApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &MarketdayApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *MarketdayApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

type AuthLoginCallback apiCallback[*AuthLoginResult]

type AuthLoginArgs struct {
	UserAuth string `json:"user_auth"`
	Password string `json:"password"`
}

type AuthLoginResult struct {
	ByJwt string          `json:"by_jwt,omitempty"`
	Error *AuthLoginError `json:"error,omitempty"`
}

type AuthLoginError struct {
	Message string `json:"message"`
}

func (self *MarketdayApi) AuthLogin(authLogin *AuthLoginArgs, callback AuthLoginCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLogin,
		self.byJwt,
		&AuthLoginResult{},
		callback,
	)
}

type Product struct {
	ProductId   Id       `json:"product_id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	PriceCents  int64    `json:"price_cents"`
	Quantity    int      `json:"quantity"`
	AssetUrls   []string `json:"asset_urls,omitempty"`
}

type CreateProductCallback apiCallback[*CreateProductResult]

type CreateProductArgs struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	PriceCents  int64    `json:"price_cents"`
	Quantity    int      `json:"quantity"`
	AssetUrls   []string `json:"asset_urls,omitempty"`
}

type CreateProductResult struct {
	ProductId *Id                 `json:"product_id,omitempty"`
	Error     *CreateProductError `json:"error,omitempty"`
}

type CreateProductError struct {
	Message string `json:"message"`
}

func (self *MarketdayApi) CreateProduct(createProduct *CreateProductArgs, callback CreateProductCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/product/create", self.apiUrl),
		createProduct,
		self.byJwt,
		&CreateProductResult{},
		callback,
	)
}

func (self *MarketdayApi) CreateProductSync(createProduct *CreateProductArgs) (*CreateProductResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/product/create", self.apiUrl),
		createProduct,
		self.byJwt,
		&CreateProductResult{},
		NewNoopApiCallback[*CreateProductResult](),
	)
}

type UpdateProductCallback apiCallback[*UpdateProductResult]

type UpdateProductArgs struct {
	ProductId   Id       `json:"product_id"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	PriceCents  int64    `json:"price_cents,omitempty"`
	Quantity    *int     `json:"quantity,omitempty"`
	AssetUrls   []string `json:"asset_urls,omitempty"`
}

type UpdateProductResult struct {
	Success bool                `json:"success"`
	Error   *UpdateProductError `json:"error,omitempty"`
}

type UpdateProductError struct {
	Message string `json:"message"`
}

func (self *MarketdayApi) UpdateProduct(updateProduct *UpdateProductArgs, callback UpdateProductCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/product/update", self.apiUrl),
		updateProduct,
		self.byJwt,
		&UpdateProductResult{},
		callback,
	)
}

func (self *MarketdayApi) UpdateProductSync(updateProduct *UpdateProductArgs) (*UpdateProductResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/product/update", self.apiUrl),
		updateProduct,
		self.byJwt,
		&UpdateProductResult{},
		NewNoopApiCallback[*UpdateProductResult](),
	)
}

type DeleteProductCallback apiCallback[*DeleteProductResult]

type DeleteProductArgs struct {
	ProductId Id `json:"product_id"`
}

type DeleteProductResult struct {
	Success bool                `json:"success"`
	Error   *DeleteProductError `json:"error,omitempty"`
}

type DeleteProductError struct {
	Message string `json:"message"`
}

func (self *MarketdayApi) DeleteProduct(deleteProduct *DeleteProductArgs, callback DeleteProductCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/product/delete", self.apiUrl),
		deleteProduct,
		self.byJwt,
		&DeleteProductResult{},
		callback,
	)
}

func (self *MarketdayApi) DeleteProductSync(deleteProduct *DeleteProductArgs) (*DeleteProductResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/product/delete", self.apiUrl),
		deleteProduct,
		self.byJwt,
		&DeleteProductResult{},
		NewNoopApiCallback[*DeleteProductResult](),
	)
}

type ToggleFavoriteCallback apiCallback[*ToggleFavoriteResult]

type ToggleFavoriteArgs struct {
	ProductId Id `json:"product_id"`
}

type ToggleFavoriteResult struct {
	// whether the product is in the favorites set after the toggle
	Saved   bool                 `json:"saved"`
	Success bool                 `json:"success"`
	Error   *ToggleFavoriteError `json:"error,omitempty"`
}

type ToggleFavoriteError struct {
	Message string `json:"message"`
}

func (self *MarketdayApi) ToggleFavorite(toggleFavorite *ToggleFavoriteArgs, callback ToggleFavoriteCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/favorite/toggle", self.apiUrl),
		toggleFavorite,
		self.byJwt,
		&ToggleFavoriteResult{},
		callback,
	)
}

func (self *MarketdayApi) ToggleFavoriteSync(toggleFavorite *ToggleFavoriteArgs) (*ToggleFavoriteResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/favorite/toggle", self.apiUrl),
		toggleFavorite,
		self.byJwt,
		&ToggleFavoriteResult{},
		NewNoopApiCallback[*ToggleFavoriteResult](),
	)
}

type UpdateProfileCallback apiCallback[*UpdateProfileResult]

type UpdateProfileArgs struct {
	DisplayName  string `json:"display_name,omitempty"`
	Bio          string `json:"bio,omitempty"`
	BusinessName string `json:"business_name,omitempty"`
	BusinessBio  string `json:"business_bio,omitempty"`
	AvatarUrl    string `json:"avatar_url,omitempty"`
}

type UpdateProfileResult struct {
	Success bool                `json:"success"`
	Error   *UpdateProfileError `json:"error,omitempty"`
}

type UpdateProfileError struct {
	Message string `json:"message"`
}

func (self *MarketdayApi) UpdateProfile(updateProfile *UpdateProfileArgs, callback UpdateProfileCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/profile/update", self.apiUrl),
		updateProfile,
		self.byJwt,
		&UpdateProfileResult{},
		callback,
	)
}

func (self *MarketdayApi) UpdateProfileSync(updateProfile *UpdateProfileArgs) (*UpdateProfileResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/profile/update", self.apiUrl),
		updateProfile,
		self.byJwt,
		&UpdateProfileResult{},
		NewNoopApiCallback[*UpdateProfileResult](),
	)
}

type SendChatMessageCallback apiCallback[*SendChatMessageResult]

// the request/response fallback for realtime sends. `ClientMessageId`
// lets the server dedup a message that also arrived over the channel.
type SendChatMessageArgs struct {
	ThreadId        Id     `json:"thread_id"`
	Text            string `json:"text"`
	ClientMessageId Id     `json:"client_message_id"`
}

type SendChatMessageResult struct {
	MessageId *Id                   `json:"message_id,omitempty"`
	Error     *SendChatMessageError `json:"error,omitempty"`
}

type SendChatMessageError struct {
	Message string `json:"message"`
}

func (self *MarketdayApi) SendChatMessage(sendChatMessage *SendChatMessageArgs, callback SendChatMessageCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/chat/send", self.apiUrl),
		sendChatMessage,
		self.byJwt,
		&SendChatMessageResult{},
		callback,
	)
}

func (self *MarketdayApi) SendChatMessageSync(sendChatMessage *SendChatMessageArgs) (*SendChatMessageResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/chat/send", self.apiUrl),
		sendChatMessage,
		self.byJwt,
		&SendChatMessageResult{},
		NewNoopApiCallback[*SendChatMessageResult](),
	)
}

type GetProductsCallback apiCallback[*GetProductsResult]

type GetProductsResult struct {
	Products []*Product        `json:"products,omitempty"`
	Error    *GetProductsError `json:"error,omitempty"`
}

type GetProductsError struct {
	Message string `json:"message"`
}

func (self *MarketdayApi) GetProducts(callback GetProductsCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/product/list", self.apiUrl),
		self.byJwt,
		&GetProductsResult{},
		callback,
	)
}

func (self *MarketdayApi) GetProductsSync() (*GetProductsResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/product/list", self.apiUrl),
		self.byJwt,
		&GetProductsResult{},
		NewNoopApiCallback[*GetProductsResult](),
	)
}

type UploadAssetCallback apiCallback[*UploadAssetResult]

type UploadAssetArgs struct {
	LocalPath string
	Kind      string
}

type UploadAssetResult struct {
	Url   string            `json:"url,omitempty"`
	Error *UploadAssetError `json:"error,omitempty"`
}

type UploadAssetError struct {
	Message string `json:"message"`
}

func (self *MarketdayApi) UploadAsset(uploadAsset *UploadAssetArgs, callback UploadAssetCallback) {
	go postFile(
		self.ctx,
		fmt.Sprintf("%s/asset/upload", self.apiUrl),
		uploadAsset,
		self.byJwt,
		&UploadAssetResult{},
		callback,
	)
}

func (self *MarketdayApi) UploadAssetSync(uploadAsset *UploadAssetArgs) (*UploadAssetResult, error) {
	return postFile(
		self.ctx,
		fmt.Sprintf("%s/asset/upload", self.apiUrl),
		uploadAsset,
		self.byJwt,
		&UploadAssetResult{},
		NewNoopApiCallback[*UploadAssetResult](),
	)
}

type NegotiateChannelCallback apiCallback[*NegotiateChannelResult]

type NegotiateChannelArgs struct {
	InstanceId Id `json:"instance_id"`
}

type NegotiateChannelResult struct {
	Url         string                 `json:"url,omitempty"`
	AccessToken string                 `json:"access_token,omitempty"`
	Error       *NegotiateChannelError `json:"error,omitempty"`
}

type NegotiateChannelError struct {
	Message string `json:"message"`
}

func (self *MarketdayApi) NegotiateChannel(negotiateChannel *NegotiateChannelArgs, callback NegotiateChannelCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/chat/negotiate", self.apiUrl),
		negotiateChannel,
		self.byJwt,
		&NegotiateChannelResult{},
		callback,
	)
}

func (self *MarketdayApi) NegotiateChannelSync(negotiateChannel *NegotiateChannelArgs) (*NegotiateChannelResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/chat/negotiate", self.apiUrl),
		negotiateChannel,
		self.byJwt,
		&NegotiateChannelResult{},
		NewNoopApiCallback[*NegotiateChannelResult](),
	)
}

// liveness probe against the negotiation endpoint. any http response
// counts as available, only transport errors and timeouts fail.
func (self *MarketdayApi) ProbeChannel(timeout time.Duration) bool {
	probeCtx, probeCancel := context.WithTimeout(self.ctx, timeout)
	defer probeCancel()

	req, err := http.NewRequestWithContext(probeCtx, "GET", fmt.Sprintf("%s/chat/negotiate", self.apiUrl), nil)
	if err != nil {
		return false
	}
	r, err := defaultClient().Do(req)
	if err != nil {
		return false
	}
	r.Body.Close()
	return true
}

func (self *MarketdayApi) Close() {
	self.cancel()
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func postFile[R any](ctx context.Context, url string, uploadAsset *UploadAssetArgs, byJwt string, result R, callback apiCallback[R]) (R, error) {
	fail := func(err error) (R, error) {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	info, err := os.Stat(uploadAsset.LocalPath)
	if err != nil {
		return fail(err)
	}
	if maxAssetByteCount < info.Size() {
		return fail(&ValidationError{
			Message: fmt.Sprintf("asset exceeds %d bytes", maxAssetByteCount),
		})
	}

	f, err := os.Open(uploadAsset.LocalPath)
	if err != nil {
		return fail(err)
	}
	defer f.Close()

	var requestBody bytes.Buffer
	writer := multipart.NewWriter(&requestBody)
	if err := writer.WriteField("kind", uploadAsset.Kind); err != nil {
		return fail(err)
	}
	part, err := writer.CreateFormFile("file", filepath.Base(uploadAsset.LocalPath))
	if err != nil {
		return fail(err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fail(err)
	}
	if err := writer.Close(); err != nil {
		return fail(err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, &requestBody)
	if err != nil {
		return fail(err)
	}

	req.Header.Add("Content-Type", writer.FormDataContentType())

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		return fail(err)
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		return fail(err)
	}

	callback.Result(result, nil)
	return result, nil
}
